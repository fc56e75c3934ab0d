package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/cortexuvula/wsbench/internal/report"
)

var reportJSON = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	loadTestHeader = []string{
		"timestamp", "phase", "client_count", "active_connections", "pattern",
		"health_status", "category", "reason",
		"connection_success_rate", "connection_time_mean_ms",
		"rtt_mean", "rtt_median", "rtt_p95", "rtt_p99", "rtt_jitter",
		"messages_sent", "messages_received", "messages_lost", "message_loss_rate",
		"disconnects", "cpu_percent", "memory_mb", "memory_growth_mb_per_min", "messages_per_second",
		"frames_sent", "frames_received",
	}
	resourcesHeader  = []string{"timestamp", "cpu_percent", "memory_rss_mb", "active_connections"}
	throughputHeader = []string{"timestamp", "messages_per_second", "active_connections"}
	eventsHeader     = []string{"timestamp", "client_id", "event", "connection_time_ms", "reason"}
)

// CSV writes the file layout read by the analysis scripts:
// per client-count files for raw samples and append-only run files for
// window rows, resource samples, throughput samples and connection events.
type CSV struct {
	dir     string
	library string
	runID   string

	loadTest   *appendFile
	resources  *appendFile
	throughput *appendFile
	events     *appendFile
}

// NewCSV creates dir if needed. Run files are opened lazily.
func NewCSV(dir, library, runID string) (*CSV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &CSV{dir: dir, library: library, runID: runID}, nil
}

// Dir returns the output directory.
func (s *CSV) Dir() string { return s.dir }

func (s *CSV) RecordWindow(w *report.WindowResult, v report.Verdict) error {
	n := w.TargetClients
	var errs []error

	rtt := make([][]string, 0, len(w.RTTs))
	for _, r := range w.RTTs {
		rtt = append(rtt, []string{itoa(r.ClientID), ftoa(r.RTT), ts(r.At)})
	}
	errs = append(errs, s.writeFile(s.clientsFile("rtt", n), []string{"client_id", "rtt_ms", "timestamp"}, rtt))

	if len(w.Broadcasts) > 0 {
		bc := make([][]string, 0, len(w.Broadcasts))
		for _, b := range w.Broadcasts {
			bc = append(bc, []string{itoa(b.ClientID), strconv.FormatInt(b.BroadcastID, 10), ftoa(b.Latency), ts(b.At)})
		}
		errs = append(errs, s.writeFile(s.clientsFile("broadcast_latency", n),
			[]string{"client_id", "broadcast_id", "latency_ms", "timestamp"}, bc))
	}

	ct := make([][]string, 0, len(w.ConnectionTimes))
	for _, c := range w.ConnectionTimes {
		ct = append(ct, []string{itoa(c.ClientID), ftoa(c.Millis)})
	}
	errs = append(errs, s.writeFile(s.clientsFile("connection_time", n), []string{"client_id", "connection_time_ms"}, ct))

	rel := make([][]string, 0, len(w.PerClient))
	for _, c := range w.PerClient {
		rel = append(rel, []string{
			itoa(c.ClientID),
			strconv.FormatInt(c.Sent, 10),
			strconv.FormatInt(c.Received, 10),
			strconv.FormatInt(c.Lost, 10),
			ftoa(c.LossRate),
		})
	}
	errs = append(errs, s.writeFile(s.clientsFile("reliability", n),
		[]string{"client_id", "messages_sent", "messages_received", "messages_lost", "loss_rate_percent"}, rel))

	stab := make([][]string, 0, len(w.Stability))
	for _, c := range w.Stability {
		stab = append(stab, []string{itoa(c.ClientID), itoa(c.Disconnects)})
	}
	errs = append(errs, s.writeFile(s.clientsFile("connection_stability", n), []string{"client_id", "disconnect_count"}, stab))

	if len(w.Resources) > 0 {
		if s.resources == nil {
			name := "resources_" + strings.ReplaceAll(s.library, "-", "_") + ".csv"
			f, err := openAppend(filepath.Join(s.dir, name), resourcesHeader)
			if err != nil {
				return errors.Join(append(errs, err)...)
			}
			s.resources = f
		}
		for _, r := range w.Resources {
			cpu := ""
			if r.CPUPercent != nil {
				cpu = ftoa(*r.CPUPercent)
			}
			errs = append(errs, s.resources.write([]string{ts(r.At), cpu, ftoa(r.MemoryMB), itoa(w.ActiveClients)}))
		}
		errs = append(errs, s.resources.flush())
	}

	if len(w.ThroughputSamples) > 0 {
		if s.throughput == nil {
			name := "throughput_" + strings.ReplaceAll(s.library, "-", "_") + ".csv"
			f, err := openAppend(filepath.Join(s.dir, name), throughputHeader)
			if err != nil {
				return errors.Join(append(errs, err)...)
			}
			s.throughput = f
		}
		for _, t := range w.ThroughputSamples {
			errs = append(errs, s.throughput.write([]string{ts(t.At), itoa(t.MessagesPerSecond), itoa(t.ActiveConnections)}))
		}
		errs = append(errs, s.throughput.flush())
	}

	if s.loadTest == nil {
		name := fmt.Sprintf("load_test_%s_%s.csv", s.library, s.runID)
		f, err := openAppend(filepath.Join(s.dir, name), loadTestHeader)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		s.loadTest = f
	}
	cpu := ""
	if w.CPUPercent != nil {
		cpu = ftoa(*w.CPUPercent)
	}
	errs = append(errs, s.loadTest.write([]string{
		ts(w.StartedAt.Add(w.Duration)),
		itoa(w.Phase),
		itoa(w.TargetClients),
		itoa(w.ActiveClients),
		w.Pattern,
		v.Status.String(),
		string(v.Category),
		v.Reason,
		ftoa(w.ConnectionSuccessRate),
		ftoa(w.ConnectionTime.Mean),
		ftoa(w.Latency.Mean),
		ftoa(w.Latency.Median),
		ftoa(w.Latency.P95),
		ftoa(w.Latency.P99),
		ftoa(w.Latency.Jitter),
		strconv.FormatInt(w.MessagesSent, 10),
		strconv.FormatInt(w.MessagesReceived, 10),
		strconv.FormatInt(w.MessagesLost, 10),
		ftoa(w.LossRate),
		itoa(w.Disconnects),
		cpu,
		ftoa(w.MemoryMB),
		ftoa(w.MemoryGrowthRate),
		ftoa(w.Throughput),
		strconv.FormatInt(w.FramesSent, 10),
		strconv.FormatInt(w.FramesReceived, 10),
	}))
	errs = append(errs, s.loadTest.flush())

	return errors.Join(errs...)
}

func (s *CSV) RecordConnections(events []report.ConnectionEvent) error {
	if len(events) == 0 {
		return nil
	}
	if s.events == nil {
		name := fmt.Sprintf("connection_events_%s_%s.csv", s.library, s.runID)
		f, err := openAppend(filepath.Join(s.dir, name), eventsHeader)
		if err != nil {
			return err
		}
		s.events = f
	}
	sorted := make([]report.ConnectionEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	var errs []error
	for _, e := range sorted {
		ms := ""
		if e.Kind == report.EventConnected {
			ms = ftoa(e.Millis)
		}
		errs = append(errs, s.events.write([]string{ts(e.At), itoa(e.ClientID), string(e.Kind), ms, e.Reason}))
	}
	errs = append(errs, s.events.flush())
	return errors.Join(errs...)
}

func (s *CSV) RecordReport(r *report.Report) error {
	data, err := reportJSON.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("report_%s_%s.json", s.library, s.runID))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func (s *CSV) Close() error {
	var errs []error
	for _, f := range []*appendFile{s.loadTest, s.resources, s.throughput, s.events} {
		if f != nil {
			errs = append(errs, f.close())
		}
	}
	return errors.Join(errs...)
}

func (s *CSV) clientsFile(kind string, n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_%dclients.csv", kind, s.library, n))
}

// writeFile replaces path with header and rows.
func (s *CSV) writeFile(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	w := csv.NewWriter(f)
	w.Write(header)
	w.WriteAll(rows)
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// appendFile is a CSV file kept open for the whole run. The header is
// written only when the file is new or empty.
type appendFile struct {
	f *os.File
	w *csv.Writer
}

func openAppend(path string, header []string) (*appendFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	a := &appendFile{f: f, w: csv.NewWriter(f)}
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		a.w.Write(header)
		a.w.Flush()
	}
	return a, nil
}

func (a *appendFile) write(rec []string) error {
	return a.w.Write(rec)
}

func (a *appendFile) flush() error {
	a.w.Flush()
	return a.w.Error()
}

func (a *appendFile) close() error {
	a.w.Flush()
	return errors.Join(a.w.Error(), a.f.Close())
}

func itoa(v int) string { return strconv.Itoa(v) }

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
