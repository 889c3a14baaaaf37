package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/upstream"
)

// PrefetchReport 汇总一次全量离线下载。
type PrefetchReport struct {
	Requested int      `json:"requested"`
	Stored    []string `json:"stored"`
	Failed    []string `json:"failed"`
}

// Prefetch 抓取 content bucket 中缺失的全部 manifest 资源并写入。
// 单个资源失败不影响其余资源，已写入的条目保留，失败原因合并返回。
func (r *Reconciler) Prefetch(ctx context.Context) (report PrefetchReport, err error) {
	ctx, span := r.startSpan(ctx, "Prefetch")
	defer func() {
		span.SetAttributes(
			attribute.Int("prefetch.requested", report.Requested),
			attribute.Int("prefetch.failed", len(report.Failed)),
		)
		endSpan(span, err)
	}()

	content, err := r.store.Open(ctx, r.buckets.Content)
	if err != nil {
		return report, err
	}
	missing, err := r.missingKeys(ctx, content)
	if err != nil {
		return report, err
	}
	report.Requested = len(missing)
	started := time.Now()

	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(key string, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Failed = append(report.Failed, key)
		errs = append(errs, fmt.Errorf("%s: %w", key, err))
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, key := range missing {
		if err := r.limiter.Wait(ctx); err != nil {
			fail(key, err)
			continue
		}
		g.Go(func() error {
			resp, err := r.fetcher.Fetch(ctx, key, upstream.FetchOptions{})
			if err != nil {
				fail(key, err)
				return nil
			}
			if !resp.OK() {
				fail(key, fmt.Errorf("unexpected status %d", resp.Status))
				return nil
			}
			if err := r.gate.put(ctx, r, content, cache.GET(key), resp); err != nil {
				fail(key, err)
				return nil
			}
			mu.Lock()
			report.Stored = append(report.Stored, key)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Stored)
	sort.Strings(report.Failed)
	r.logger.WithFields(logging.AppFields(r.app, "download_offline")).WithFields(logrus.Fields{
		"manifest_version": r.manifest.ID(),
		"requested":        report.Requested,
		"stored":           len(report.Stored),
		"failed":           len(report.Failed),
		"elapsed_ms":       time.Since(started).Milliseconds(),
	}).Info("offline download finished")
	return report, errors.Join(errs...)
}

func (r *Reconciler) missingKeys(ctx context.Context, content cache.Bucket) ([]string, error) {
	locators, err := content.Keys(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(locators))
	for _, locator := range locators {
		present[locator.Key] = struct{}{}
	}
	var missing []string
	for _, key := range r.manifest.Keys() {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing, nil
}
