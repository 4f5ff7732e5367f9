package pool

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// MetricsCollector gathers ProcessMetrics for a set of pids. Pool invokes
// it roughly every four seconds with the pool mutex released (spec.md
// section 4.5, metrics collector).
type MetricsCollector interface {
	Collect(ctx context.Context, pids []int) (map[int]ProcessMetrics, error)
}

// ExecMetricsCollector shells out to an external program that prints one
// line per pid: "pid cpu rss pss privateDirty swap vmsize pgrp cmdline...".
// This is the default collector, matching the external-subprocess model
// spec.md's metrics collector describes.
type ExecMetricsCollector struct {
	Path string
	Args []string
}

func (c *ExecMetricsCollector) Collect(ctx context.Context, pids []int) (map[int]ProcessMetrics, error) {
	if len(pids) == 0 {
		return nil, nil
	}

	args := append([]string{}, c.Args...)
	for _, pid := range pids {
		args = append(args, strconv.Itoa(pid))
	}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("metricscollector: run %s: %w", c.Path, err)
	}

	result := make(map[int]ProcessMetrics, len(pids))
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		cpu, _ := strconv.ParseFloat(fields[1], 64)
		rss, _ := strconv.ParseUint(fields[2], 10, 64)
		pss, _ := strconv.ParseUint(fields[3], 10, 64)
		dirty, _ := strconv.ParseUint(fields[4], 10, 64)
		swap, _ := strconv.ParseUint(fields[5], 10, 64)
		vmsize, _ := strconv.ParseUint(fields[6], 10, 64)
		pgrp, _ := strconv.Atoi(fields[7])
		cmdline := ""
		if len(fields) > 8 {
			cmdline = strings.Join(fields[8:], " ")
		}
		result[pid] = ProcessMetrics{
			CPU: cpu, RSSKb: rss, PSSKb: pss, PrivateDirty: dirty,
			SwapKb: swap, VMSizeKb: vmsize, ProcessGroup: pgrp,
			CommandLine: cmdline, CollectedAt: time.Now(),
		}
	}
	return result, nil
}

// grpcCollectMethod is the fully-qualified unary RPC collected by
// GRPCMetricsCollector. There is no generated client stub for it: the
// request/response are plain structpb.Struct values, so the wire contract
// is a loose schema (field names below) rather than a fixed message type.
const grpcCollectMethod = "/poolcore.metrics.v1.Collector/Collect"

// GRPCMetricsCollector delegates metrics collection to an external
// collector process over gRPC, generalizing the teacher's grpc transport
// concern to the pool's own metrics-collection use case. It deliberately
// avoids requiring generated protobuf stubs: the request/response are
// google.golang.org/protobuf's structpb.Struct, a real protobuf message
// type that needs no .proto compilation step.
type GRPCMetricsCollector struct {
	conn *grpc.ClientConn
}

// NewGRPCMetricsCollector wraps an already-established *grpc.ClientConn;
// it does not dial anything itself. The caller configures that connection
// with whatever target and transport credentials fit its deployment.
func NewGRPCMetricsCollector(conn *grpc.ClientConn) *GRPCMetricsCollector {
	return &GRPCMetricsCollector{conn: conn}
}

func (c *GRPCMetricsCollector) Collect(ctx context.Context, pids []int) (map[int]ProcessMetrics, error) {
	pidValues := make([]interface{}, len(pids))
	for i, pid := range pids {
		pidValues[i] = float64(pid)
	}
	req, err := structpb.NewStruct(map[string]interface{}{"pids": pidValues})
	if err != nil {
		return nil, fmt.Errorf("metricscollector: build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, grpcCollectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("metricscollector: grpc invoke: %w", err)
	}

	result := make(map[int]ProcessMetrics)
	processes, ok := resp.Fields["processes"]
	if !ok {
		return result, nil
	}
	for _, entry := range processes.GetListValue().GetValues() {
		fields := entry.GetStructValue().GetFields()
		pid := int(fields["pid"].GetNumberValue())
		result[pid] = ProcessMetrics{
			CPU:          fields["cpu"].GetNumberValue(),
			RSSKb:        uint64(fields["rss_kb"].GetNumberValue()),
			PSSKb:        uint64(fields["pss_kb"].GetNumberValue()),
			PrivateDirty: uint64(fields["private_dirty_kb"].GetNumberValue()),
			SwapKb:       uint64(fields["swap_kb"].GetNumberValue()),
			VMSizeKb:     uint64(fields["vmsize_kb"].GetNumberValue()),
			ProcessGroup: int(fields["pgrp"].GetNumberValue()),
			CommandLine:  fields["cmdline"].GetStringValue(),
			CollectedAt:  time.Now(),
		}
	}
	return result, nil
}
