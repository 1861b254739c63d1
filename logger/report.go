package logger

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	errorsStream int64
	errorsPoll   int64
	warnsStream  int64
	warnsPoll    int64
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "poll") {
		atomic.AddInt64(&warnsPoll, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "poll") {
		atomic.AddInt64(&errorsPoll, 1)
	}
}

// StartReport periodically logs warn/error counters per data path and, when
// the CloudWatch client is initialised, publishes them as metrics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report(ctx, log)
			}
		}
	}()
}

func report(ctx context.Context, log *Log) {
	we := atomic.SwapInt64(&warnsStream, 0)
	wp := atomic.SwapInt64(&warnsPoll, 0)
	es := atomic.SwapInt64(&errorsStream, 0)
	ep := atomic.SwapInt64(&errorsPoll, 0)

	log.WithComponent("report").WithFields(Fields{
		"stream_warns":  we,
		"stream_errors": es,
		"poll_warns":    wp,
		"poll_errors":   ep,
	}).Info("interval report")

	data := []cwtypes.MetricDatum{
		counterDatum("StreamWarns", we),
		counterDatum("StreamErrors", es),
		counterDatum("PollWarns", wp),
		counterDatum("PollErrors", ep),
	}
	publishMetrics(ctx, data)
}

func counterDatum(name string, value int64) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(float64(value)),
	}
}
