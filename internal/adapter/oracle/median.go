package oracle

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Median queries every source concurrently and returns the median of the
// readings, after discarding readings that deviate from the first-pass
// median by more than maxDeviation (a fraction, 0 disables the filter).
type Median struct {
	sources      []ports.PriceOracle
	maxDeviation decimal.Decimal
	minFeeds     int
	log          zerolog.Logger
}

// NewMedian creates a median oracle needing at least minFeeds good readings.
func NewMedian(sources []ports.PriceOracle, maxDeviation decimal.Decimal, minFeeds int, log zerolog.Logger) *Median {
	if minFeeds <= 0 {
		minFeeds = 1
	}
	return &Median{sources: sources, maxDeviation: maxDeviation, minFeeds: minFeeds, log: log}
}

// SpotPrice implements ports.PriceOracle.
func (m *Median) SpotPrice(ctx context.Context) (domain.PriceSnapshot, error) {
	readings := make([]domain.PriceSnapshot, len(m.sources))
	errs := make([]error, len(m.sources))

	var wg sync.WaitGroup
	for i, src := range m.sources {
		wg.Add(1)
		go func(i int, src ports.PriceOracle) {
			defer wg.Done()
			readings[i], errs[i] = src.SpotPrice(ctx)
		}(i, src)
	}
	wg.Wait()

	var good []domain.PriceSnapshot
	for i, snap := range readings {
		if errs[i] != nil {
			m.log.Warn().Err(errs[i]).Int("feed", i).Msg("price feed failed")
			continue
		}
		if !snap.Valid() {
			m.log.Warn().Str("source", snap.Source).Msg("price feed returned non-positive price")
			continue
		}
		good = append(good, snap)
	}
	if len(good) < m.minFeeds {
		return domain.PriceSnapshot{}, fmt.Errorf("%d of %d feeds usable, need %d: %w",
			len(good), len(m.sources), m.minFeeds, ErrPriceUnavailable)
	}

	median := medianOf(good)
	if m.maxDeviation.IsPositive() {
		filtered := good[:0:0]
		for _, snap := range good {
			diff := snap.PricePerGram.Sub(median).Div(median).Abs()
			if diff.LessThanOrEqual(m.maxDeviation) {
				filtered = append(filtered, snap)
				continue
			}
			m.log.Warn().
				Str("source", snap.Source).
				Str("price", snap.PricePerGram.String()).
				Str("median", median.String()).
				Msg("price feed outside deviation band")
		}
		if len(filtered) < m.minFeeds {
			return domain.PriceSnapshot{}, fmt.Errorf("%d feeds within deviation, need %d: %w",
				len(filtered), m.minFeeds, ErrPriceUnavailable)
		}
		good = filtered
		median = medianOf(good)
	}

	// The snapshot is only as fresh as its oldest contributing reading.
	asOf := good[0].AsOf
	for _, snap := range good[1:] {
		if snap.AsOf.Before(asOf) {
			asOf = snap.AsOf
		}
	}

	return domain.PriceSnapshot{
		PricePerGram: median.Round(domain.GramsScale),
		AsOf:         asOf,
		Source:       "median:" + strconv.Itoa(len(good)),
	}, nil
}

func medianOf(snaps []domain.PriceSnapshot) decimal.Decimal {
	values := make([]decimal.Decimal, len(snaps))
	for i, s := range snaps {
		values[i] = s.PricePerGram
	}
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })

	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return values[mid-1].Add(values[mid]).Div(decimal.NewFromInt(2))
}
