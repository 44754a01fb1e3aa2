/*
Package main implements chartd, a headless chart session for one token.

chartd connects to the chart price/trade feed, backfills history for the
configured resolutions, keeps live OHLC bars and trade marks current, and
logs every update. A gRPC health endpoint reports SERVING while the feed
socket is open.

Usage:

	chartd run --config config.yaml
	chartd run --mint <address> --log-level debug

Every config key can also be set through the environment, for example
CHARTSYNC_FEED_URL or CHARTSYNC_BACKFILL_BASE_URL.
*/
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
