package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"quantlab/internal/operations"
)

// The simulation engines below are the in-process reference workers.
// They produce deterministic results from their parameters so runs are
// reproducible, and they follow the worker contract: progress through
// the bridge, token polled once per unit of work, cancellation marker on
// unwind.

// checkpointEvery bounds how many units of work pass between token
// checks and progress writes.
const checkpointEvery = 100

// SimBacktestEngine replays a deterministic price path and tracks a
// strategy equity curve over it.
type SimBacktestEngine struct {
	// BarDelay slows the simulation down for demos; zero in tests.
	BarDelay time.Duration
}

// Run implements BacktestEngine.
func (e *SimBacktestEngine) Run(ctx context.Context, params BacktestParams, bridge *operations.Bridge, token *operations.CancelToken) (interface{}, error) {
	equity := params.InitialCapital
	peak := equity
	maxDrawdown := 0.0
	wins, trades := 0, 0

	seed := float64(hashString(params.Symbol + params.Strategy))

	for bar := 1; bar <= params.Bars; bar++ {
		if token.Cancelled() {
			return nil, operations.NewCancellationError(token.Reason())
		}

		// Deterministic pseudo-return per bar.
		ret := 0.0004 * math.Sin(seed+float64(bar)*0.7)
		equity *= 1 + ret
		if ret != 0 {
			trades++
			if ret > 0 {
				wins++
			}
		}
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDrawdown {
			maxDrawdown = dd
		}

		if bar%checkpointEvery == 0 || bar == params.Bars {
			bridge.Update(operations.ProgressUpdate{
				Percentage:  100 * float64(bar) / float64(params.Bars),
				Message:     fmt.Sprintf("bar %d/%d", bar, params.Bars),
				CurrentStep: bar,
				TotalSteps:  params.Bars,
				Context:     map[string]string{"symbol": params.Symbol, "strategy": params.Strategy},
			})
			bridge.AppendMetric(operations.BucketBars, map[string]interface{}{
				"bar":          bar,
				"equity":       equity,
				"max_drawdown": maxDrawdown,
			})
		}

		if e.BarDelay > 0 {
			select {
			case <-token.Done():
				return nil, operations.NewCancellationError(token.Reason())
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.BarDelay):
			}
		}
	}

	winRate := 0.0
	if trades > 0 {
		winRate = float64(wins) / float64(trades)
	}

	return map[string]interface{}{
		"final_equity": equity,
		"total_return": equity/params.InitialCapital - 1,
		"max_drawdown": maxDrawdown,
		"trades":       trades,
		"win_rate":     winRate,
	}, nil
}

// SimTrainingEngine fits a toy loss curve over the configured epochs.
type SimTrainingEngine struct {
	EpochDelay time.Duration
}

// Run implements TrainingEngine.
func (e *SimTrainingEngine) Run(ctx context.Context, params TrainingParams, bridge *operations.Bridge, token *operations.CancelToken) (interface{}, error) {
	loss := 1.0

	for epoch := 1; epoch <= params.Epochs; epoch++ {
		if token.Cancelled() {
			return nil, operations.NewCancellationError(token.Reason())
		}

		// Exponential decay toward an irreducible floor.
		loss = 0.05 + (loss-0.05)*math.Exp(-params.LearningRate)

		bridge.Update(operations.ProgressUpdate{
			Percentage:  100 * float64(epoch) / float64(params.Epochs),
			Message:     fmt.Sprintf("epoch %d/%d", epoch, params.Epochs),
			CurrentStep: epoch,
			TotalSteps:  params.Epochs,
			Context:     map[string]string{"model": params.Model, "dataset": params.Dataset},
		})
		bridge.AppendMetric(operations.BucketEpochs, map[string]interface{}{
			"epoch": epoch,
			"loss":  loss,
		})

		if e.EpochDelay > 0 {
			select {
			case <-token.Done():
				return nil, operations.NewCancellationError(token.Reason())
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.EpochDelay):
			}
		}
	}

	return map[string]interface{}{
		"model":      params.Model,
		"dataset":    params.Dataset,
		"final_loss": loss,
		"epochs":     params.Epochs,
	}, nil
}

// SimDataEngine pretends to ingest segment-partitioned market data.
type SimDataEngine struct {
	SegmentDelay time.Duration
}

// Run implements DataEngine.
func (e *SimDataEngine) Run(ctx context.Context, params DataLoadParams, bridge *operations.Bridge, token *operations.CancelToken) (interface{}, error) {
	rows := 0

	for segment := 1; segment <= params.Segments; segment++ {
		if token.Cancelled() {
			return nil, operations.NewCancellationError(token.Reason())
		}

		symbol := params.Symbols[(segment-1)%len(params.Symbols)]
		segmentRows := 1000 + hashString(symbol)%9000
		rows += segmentRows

		bridge.Update(operations.ProgressUpdate{
			Percentage:  100 * float64(segment) / float64(params.Segments),
			Message:     fmt.Sprintf("segment %d/%d (%s)", segment, params.Segments, symbol),
			CurrentStep: segment,
			TotalSteps:  params.Segments,
			Context:     map[string]string{"source": params.Source, "symbol": symbol},
		})
		bridge.AppendMetric(operations.BucketSegments, map[string]interface{}{
			"segment": segment,
			"symbol":  symbol,
			"rows":    segmentRows,
		})

		if e.SegmentDelay > 0 {
			select {
			case <-token.Done():
				return nil, operations.NewCancellationError(token.Reason())
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.SegmentDelay):
			}
		}
	}

	return map[string]interface{}{
		"source":   params.Source,
		"symbols":  len(params.Symbols),
		"segments": params.Segments,
		"rows":     rows,
	}, nil
}

// hashString is a small FNV-style hash for deterministic simulation.
func hashString(s string) int {
	h := 2166136261
	for _, c := range s {
		h = (h ^ int(c)) * 16777619
		h &= 0x7fffffff
	}
	return h
}
