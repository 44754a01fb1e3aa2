package main

import (
	"chartsync/internal/model"
	"chartsync/internal/resolution"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// logRenderer stands in for a chart widget and logs what it would draw.
type logRenderer struct {
	logger zerolog.Logger
}

func newLogRenderer(mint string) *logRenderer {
	return &logRenderer{
		logger: log.With().Str("component", "renderer").Str("mint", mint).Logger(),
	}
}

func (r *logRenderer) OnMarks(res resolution.Resolution, marks []model.Mark) {
	ev := r.logger.Info().Str("resolution", res.String()).Int("marks", len(marks))
	if len(marks) > 0 {
		last := marks[len(marks)-1]
		ev = ev.Int("lastId", last.ID).Str("lastText", last.Text)
	}
	ev.Msg("marks")
}

func (r *logRenderer) RefreshMarks() {
	r.logger.Debug().Msg("refresh marks")
}

func (r *logRenderer) ResetData() {
	r.logger.Info().Msg("reset data")
}

func (r *logRenderer) ClearMarks() {
	r.logger.Debug().Msg("clear marks")
}

func (r *logRenderer) DrawAverageLine(line model.AveragePriceLine) {
	r.logger.Info().
		Stringer("side", line.Side).
		Int64("startTime", line.StartTime).
		Float64("price", line.Price).
		Msg("average line")
}

func (r *logRenderer) RemoveAverageLine(side model.Side) {
	r.logger.Debug().Stringer("side", side).Msg("average line removed")
}
