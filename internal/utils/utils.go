// Package utils provides input validation for instruments and resolution
// lists supplied by the chart layer or the command line.
package utils

import (
	"chartsync/internal/resolution"
	"errors"
	"fmt"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoResolutions      = errors.New("zero resolutions requested")
	ErrTooManyResolutions = errors.New("too many resolutions requested")
	ErrInvalidMint        = errors.New("invalid mint address")
)

const (
	minMintLength = 32
	maxMintLength = 44
)

// base58Alphabet is the Bitcoin alphabet used for Solana addresses. It leaves
// out 0, O, I and l.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Set = func() [256]bool {
	var set [256]bool
	for i := 0; i < len(base58Alphabet); i++ {
		set[base58Alphabet[i]] = true
	}
	return set
}()

// ValidateMint checks that mint looks like a base58 token address.
func ValidateMint(mint string) error {
	if mint == "" {
		return fmt.Errorf("%w: mint cannot be empty", ErrInvalidMint)
	}
	if len(mint) < minMintLength || len(mint) > maxMintLength {
		return fmt.Errorf("%w: length %d outside %d-%d", ErrInvalidMint, len(mint), minMintLength, maxMintLength)
	}
	for i := 0; i < len(mint); i++ {
		if !base58Set[mint[i]] {
			return fmt.Errorf("%w: invalid character %q at index %d", ErrInvalidMint, mint[i], i)
		}
	}
	return nil
}

// ValidateResolutions parses a list of resolution codes and enforces
// quantity limits. Duplicates, including aliases such as "D" and "1D", are
// collapsed and the first occurrence wins.
//
// This function performs two types of validation:
//  1. Quantity validation: at least one, at most maxAllowed codes
//  2. Format validation: every code must be in the resolution table
func ValidateResolutions(codes []string, maxAllowed int) ([]resolution.Resolution, error) {
	if len(codes) == 0 {
		return nil, ErrNoResolutions
	}

	if maxAllowed <= 0 {
		return nil, fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManyResolutions, maxAllowed)
	}

	if len(codes) > maxAllowed {
		return nil, fmt.Errorf("%w: requested %d resolutions, maximum allowed %d",
			ErrTooManyResolutions, len(codes), maxAllowed)
	}

	seen := make(map[resolution.Resolution]struct{}, len(codes))
	out := make([]resolution.Resolution, 0, len(codes))
	for i, code := range codes {
		res, err := resolution.Parse(strings.TrimSpace(code))
		if err != nil {
			return nil, fmt.Errorf("invalid resolution at index %d (%q): %w", i, code, err)
		}
		if _, dup := seen[res]; dup {
			continue
		}
		seen[res] = struct{}{}
		out = append(out, res)
	}

	return out, nil
}
