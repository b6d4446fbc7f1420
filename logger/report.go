package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsWS    int64
	errorsREST  int64
	warnsWS     int64
	warnsREST   int64
	wsReads     int64
	restReads   int64
	sinkWrites  int64
	sinkErrors  int64
	channels    sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "_ws_") || strings.HasSuffix(component, "_ws") {
		atomic.AddInt64(&warnsWS, 1)
	} else if strings.Contains(component, "_rest_") || strings.HasSuffix(component, "_rest") {
		atomic.AddInt64(&warnsREST, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "_ws_") || strings.HasSuffix(component, "_ws") {
		atomic.AddInt64(&errorsWS, 1)
	} else if strings.Contains(component, "_rest_") || strings.HasSuffix(component, "_rest") {
		atomic.AddInt64(&errorsREST, 1)
	}
}

// IncrementWSRead records one ticker payload received over a websocket
// connection.
func IncrementWSRead(size int) {
	atomic.AddInt64(&wsReads, 1)
	recordChannel("ticker_ws", size)
}

// IncrementRESTRead records one ticker payload received via REST polling.
func IncrementRESTRead(size int) {
	atomic.AddInt64(&restReads, 1)
	recordChannel("ticker_rest", size)
}

// IncrementSinkWrite records a batch successfully delivered to a sink.
func IncrementSinkWrite(name string, size int) {
	atomic.AddInt64(&sinkWrites, 1)
	recordChannel("sink_"+name, size)
}

// IncrementSinkError records a failed sink delivery.
func IncrementSinkError() {
	atomic.AddInt64(&sinkErrors, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_ws":      atomic.LoadInt64(&errorsWS),
		"errors_rest":    atomic.LoadInt64(&errorsREST),
		"warns_ws":       atomic.LoadInt64(&warnsWS),
		"warns_rest":     atomic.LoadInt64(&warnsREST),
		"ws_reads":       atomic.LoadInt64(&wsReads),
		"rest_reads":     atomic.LoadInt64(&restReads),
		"sink_writes":    atomic.LoadInt64(&sinkWrites),
		"sink_errors":    atomic.LoadInt64(&sinkErrors),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsWS"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_ws"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsREST"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_rest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsWS"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_ws"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsREST"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_rest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WSReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ws_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RESTReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rest_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SinkWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SinkErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_errors"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
