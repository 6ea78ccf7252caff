package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/galois26/archive-ingester/internal/decode"
	"github.com/galois26/archive-ingester/internal/download"
	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/normalize"
)

// processSegment runs one segment through the pipeline. soft is the
// shutdown signal and stops download and decoding; hard bounds the final
// flush and the ledger commit.
func (o *Orchestrator) processSegment(soft, hard context.Context, d model.SegmentDescriptor, runLog *zap.Logger) model.SegmentResult {
	log := runLog.With(zap.String("segment", d.Name))
	res := model.SegmentResult{Name: d.Name, Rejected: map[string]int64{}}
	start := time.Now()
	o.Metrics.SegmentStarted()
	defer o.Metrics.SegmentDone()

	tmp, err := o.Fetcher.Fetch(soft, d)
	if err != nil {
		switch {
		case errors.Is(err, download.ErrNotFound):
			res.Outcome = model.OutcomeNotFound
			log.Info("segment vanished since listing, skipping")
		case errors.Is(err, download.ErrSizeLimitExceeded):
			res.Outcome = model.OutcomeTooLarge
			log.Warn("segment over size limit, skipping", zap.Int64("size", d.Size), zap.Error(err))
		case soft.Err() != nil:
			return o.interrupted(res, err, log)
		default:
			res.Outcome = model.OutcomeFailed
			log.Error("download failed", zap.Error(err))
		}
		res.Err = err
		return res
	}
	defer func() {
		if err := tmp.Release(); err != nil {
			log.Warn("release temp file", zap.String("path", tmp.Path), zap.Error(err))
		}
	}()
	res.Bytes = tmp.Bytes

	f, err := tmp.Open()
	if err != nil {
		return o.failed(res, fmt.Errorf("open temp file: %w", err), log)
	}
	defer f.Close()

	batch := o.Sink.Open(d.Name)
	var decodeErr, sinkErr error
	for rec, err := range o.Decoder.Decode(soft, f) {
		if err != nil {
			var le *decode.LineError
			if errors.As(err, &le) {
				res.Lines++
				reason := normalize.ReasonInvalidJSON
				if errors.Is(err, decode.ErrLineTooLong) {
					reason = normalize.ReasonLineTooLong
				}
				res.Rejected[string(reason)]++
				log.Debug("line rejected", zap.Int64("line", le.Line), zap.String("reason", string(reason)), zap.Error(le.Err))
				continue
			}
			decodeErr = err
			break
		}
		res.Lines++
		ev, reason := normalize.Normalize(rec.Object, d.Name, rec.Raw)
		if reason != normalize.Accepted {
			res.Rejected[string(reason)]++
			log.Debug("line rejected", zap.Int64("line", rec.Line), zap.String("reason", string(reason)))
			continue
		}
		if !o.Rules.Allow(ev.Type) {
			res.Filtered++
			continue
		}
		if err := batch.Add(hard, ev); err != nil {
			sinkErr = err
			break
		}
	}

	// the batch in hand is written even when stopping, unless the store
	// already gave up on it
	flushErr := sinkErr
	if flushErr == nil {
		flushErr = batch.Flush(hard)
	}
	res.EventsWritten = batch.Written()
	res.EventsFailed = int64(len(batch.Failed()))

	switch {
	case decodeErr != nil && soft.Err() != nil && !errors.Is(decodeErr, decode.ErrCorruptSegment):
		return o.interrupted(res, decodeErr, log)
	case decodeErr != nil:
		return o.failed(res, decodeErr, log)
	case flushErr != nil && cutShort(soft, hard):
		return o.interrupted(res, flushErr, log)
	case flushErr != nil:
		return o.failed(res, flushErr, log)
	case soft.Err() != nil:
		return o.interrupted(res, soft.Err(), log)
	}

	if err := o.Ledger.MarkComplete(hard, d.Name, d.Fingerprint, d.Size, res.EventsWritten); err != nil {
		if cutShort(soft, hard) {
			return o.interrupted(res, err, log)
		}
		return o.failed(res, err, log)
	}
	res.Outcome = model.OutcomeProcessed

	rejected := res.RejectedTotal()
	fields := []zap.Field{
		zap.Int64("lines", res.Lines),
		zap.Int64("written", res.EventsWritten),
		zap.Int64("failed", res.EventsFailed),
		zap.Int64("rejected", rejected),
		zap.Int64("filtered", res.Filtered),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("took", time.Since(start)),
	}
	if res.Lines > 0 && o.cfg.MaxRejectRatio > 0 && float64(rejected)/float64(res.Lines) > o.cfg.MaxRejectRatio {
		log.Warn("high rejection ratio", append(fields, zap.Any("reasons", res.Rejected))...)
	} else {
		log.Info("segment ingested", fields...)
	}
	return res
}

// cutShort reports whether the shutdown timeout has cancelled the final
// flush and commit.
func cutShort(soft, hard context.Context) bool {
	return soft.Err() != nil && hard.Err() != nil
}

func (o *Orchestrator) failed(res model.SegmentResult, err error, log *zap.Logger) model.SegmentResult {
	res.Outcome = model.OutcomeFailed
	res.Err = err
	log.Error("segment failed, will retry next run", zap.Int64("written", res.EventsWritten), zap.Error(err))
	return res
}

func (o *Orchestrator) interrupted(res model.SegmentResult, err error, log *zap.Logger) model.SegmentResult {
	res.Outcome = model.OutcomeInterrupted
	res.Err = fmt.Errorf("%w: %w", ErrInterrupted, err)
	log.Info("segment interrupted", zap.Int64("written", res.EventsWritten))
	return res
}
