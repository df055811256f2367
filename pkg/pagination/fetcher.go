package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	pagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_pages_fetched_total",
		Help: "Pages fetched by result (released, discarded, failed)",
	}, []string{"result"})

	pagesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "extract_pages_in_flight",
		Help: "Page requests currently in flight",
	})

	pageFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extract_page_fetch_duration_seconds",
		Help:    "Page fetch duration including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

// DefaultMaxConcurrency is the default number of page requests in flight.
const DefaultMaxConcurrency = 5

// windowFactor bounds dispatch to windowFactor*MaxConcurrency pages past
// the first unreleased one, which also bounds the assembler's holding area.
const windowFactor = 2

// Config holds fetcher configuration.
type Config struct {
	// MaxConcurrency is the upper bound of requests in flight.
	MaxConcurrency int

	// PageTimeout bounds one page including its retries. Zero disables it.
	PageTimeout time.Duration
}

// PageSource fetches one page of a query.
type PageSource interface {
	FetchPage(ctx context.Context, query string, offset, limit int) (records []map[string]any, hasMore bool, err error)
}

// Limiter lowers concurrency under rate limit pressure.
type Limiter interface {
	EffectiveConcurrency(max int) int
}

// Request describes the pages of one chunk.
type Request struct {
	ChunkSeq int
	Query    string
	PageSize int
	MaxPages int
}

// Page is one fetched page of a chunk.
type Page struct {
	ChunkSeq int
	Index    int
	Offset   int
	Records  []map[string]any
	HasMore  bool
}

// Result summarizes a chunk fetch.
type Result struct {
	Pages   int
	Records int

	// Exhausted is true when the chunk ended on a short page or a page
	// reporting no more data, false when it stopped at MaxPages.
	Exhausted bool
}

// FetchError is a page that could not be obtained. It aborts the chunk.
type FetchError struct {
	ChunkSeq int
	Index    int
	Offset   int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch chunk %d page %d (offset %d): %v", e.ChunkSeq, e.Index, e.Offset, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher runs the page fetches of a chunk.
type Fetcher struct {
	source  PageSource
	limiter Limiter
	config  Config
	logger  zerolog.Logger
}

// NewFetcher creates a fetcher. limiter may be nil.
func NewFetcher(source PageSource, limiter Limiter, config Config, logger zerolog.Logger) *Fetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Fetcher{
		source:  source,
		limiter: limiter,
		config:  config,
		logger:  logger,
	}
}

type pageOutcome struct {
	page Page
	err  error
}

// Fetch dispatches pages 0, 1, 2, ... of the request and calls emit for
// each page in index order, on the calling goroutine. No page more than
// 2*MaxConcurrency past the next unreleased one is dispatched. An error from
// emit stops dispatching; in-flight fetches drain and the error is returned.
func (f *Fetcher) Fetch(ctx context.Context, req Request, emit func(Page) error) (Result, error) {
	if req.PageSize <= 0 || req.MaxPages <= 0 {
		return Result{}, fmt.Errorf("invalid request: page size %d, max pages %d", req.PageSize, req.MaxPages)
	}

	logger := f.logger.With().Int("chunk_seq", req.ChunkSeq).Logger()
	maxConc := f.config.MaxConcurrency
	window := windowFactor * maxConc

	var g errgroup.Group
	g.SetLimit(maxConc)
	results := make(chan pageOutcome, maxConc)

	asm := NewAssembler()
	var (
		result   Result
		next     int
		inFlight int
		stop     bool
		terminal = -1
		failure  *FetchError
		emitErr  error
	)

	for {
		for !stop && next < req.MaxPages && ctx.Err() == nil {
			limit := maxConc
			if f.limiter != nil {
				limit = f.limiter.EffectiveConcurrency(maxConc)
			}
			if inFlight >= limit || next >= asm.Next()+window {
				break
			}

			index := next
			next++
			inFlight++
			pagesInFlight.Inc()
			g.Go(func() error {
				results <- f.fetchOne(ctx, req, index)
				return nil
			})
		}

		if inFlight == 0 {
			break
		}

		o := <-results
		inFlight--
		pagesInFlight.Dec()
		idx := o.page.Index

		if o.err != nil && terminal >= 0 && idx > terminal {
			// Past the end of the data; the failure is irrelevant.
			pagesFetched.WithLabelValues("discarded").Inc()
			continue
		}
		if o.err != nil {
			pagesFetched.WithLabelValues("failed").Inc()
			if failure == nil || idx < failure.Index {
				failure = &FetchError{ChunkSeq: req.ChunkSeq, Index: idx, Offset: o.page.Offset, Err: o.err}
				logger.Warn().
					Int("page", idx).
					Int("offset", o.page.Offset).
					Err(o.err).
					Msg("Page fetch failed, draining chunk")
			}
			stop = true
			asm.Cut(failure.Index)
			continue
		}

		if (failure != nil && idx > failure.Index) || (terminal >= 0 && idx > terminal) {
			pagesFetched.WithLabelValues("discarded").Inc()
			continue
		}

		if len(o.page.Records) < req.PageSize || !o.page.HasMore {
			if terminal < 0 || idx < terminal {
				terminal = idx
				asm.Cut(terminal + 1)
			}
			stop = true
		}

		for _, p := range asm.Add(o.page) {
			if emitErr != nil {
				pagesFetched.WithLabelValues("discarded").Inc()
				continue
			}
			pagesFetched.WithLabelValues("released").Inc()
			result.Pages++
			result.Records += len(p.Records)
			logger.Debug().
				Int("page", p.Index).
				Int("offset", p.Offset).
				Int("records", len(p.Records)).
				Msg("Page released")
			if err := emit(p); err != nil {
				emitErr = err
				stop = true
			}
		}
	}

	// Every task has delivered its outcome; Wait only reaps the goroutines.
	_ = g.Wait()

	if failure != nil && terminal >= 0 && failure.Index > terminal {
		failure = nil
	}

	switch {
	case emitErr != nil:
		return result, emitErr
	case failure != nil:
		return result, failure
	case ctx.Err() != nil:
		return result, ctx.Err()
	}

	result.Exhausted = terminal >= 0
	return result, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, req Request, index int) pageOutcome {
	offset := index * req.PageSize
	page := Page{ChunkSeq: req.ChunkSeq, Index: index, Offset: offset}

	if f.config.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.PageTimeout)
		defer cancel()
	}

	start := time.Now()
	records, hasMore, err := f.source.FetchPage(ctx, req.Query, offset, req.PageSize)
	pageFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return pageOutcome{page: page, err: err}
	}

	page.Records = records
	page.HasMore = hasMore
	return pageOutcome{page: page}
}
