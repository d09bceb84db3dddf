// Command ralworker is the process entrypoint for one node in a
// distributed GROUP BY aggregation run. It loads the node's cluster
// configuration, builds the Compute→Distribute→Merge kernel pipeline for
// this node, feeds it a CSV input shard standing in for the external
// upstream scan stage (spec §1 keeps query planning/scan out of scope),
// and writes whatever rows this node's Merge stage finally emits.
//
// Grounded on the teacher's cmd/noisefs-bootstrap/main.go: flag-based
// configuration with no external CLI framework, a short fmt.Printf-based
// startup banner, and log.Fatalf on unrecoverable setup errors.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/blazingdb/ral/pkg/aggregate"
	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/cache"
	"github.com/blazingdb/ral/pkg/clustercontext"
	"github.com/blazingdb/ral/pkg/config"
	"github.com/blazingdb/ral/pkg/executor"
	"github.com/blazingdb/ral/pkg/kernel"
	"github.com/blazingdb/ral/pkg/logging"
	"github.com/blazingdb/ral/pkg/physical/host"
	"github.com/blazingdb/ral/pkg/telemetry"
	"github.com/blazingdb/ral/pkg/transport"
)

func main() {
	var (
		configPath    = flag.String("config", "", "path to this node's cluster configuration YAML")
		inputPath     = flag.String("input", "", "CSV file holding this node's input shard")
		outputPath    = flag.String("output", "", "CSV file to write this node's final output rows (default: stdout)")
		transportMode = flag.String("transport", "local", "inter-node transport: local (single-process cluster) or websocket")
		listen        = flag.String("listen", "", "address to serve the websocket transport on (websocket mode only)")
		peers         = flagList("peer", "node=peerid=multiaddr, repeatable (websocket mode only), e.g. node-b=12D3Koo...=/ip4/10.0.0.4/tcp/7001")
		telemetryDSN  = flag.String("telemetry-dsn", "", "Postgres connection string for task-event telemetry (default: in-memory)")
		ralID         = flag.String("ral-id", "ral-local", "identifier for this cluster-wide run, attached to every task event")
		verbose       = flag.Bool("verbose", false, "enable debug-level logging")
	)
	flag.Parse()

	if *configPath == "" || *inputPath == "" {
		log.Fatalf("ralworker: -config and -input are required")
	}

	logLevel := logging.InfoLevel
	if *verbose {
		logLevel = logging.DebugLevel
	}
	logger := logging.New(&logging.Config{Level: logLevel, Format: logging.TextFormat, Output: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("ralworker: %v", err)
	}

	cctx, err := cfg.ClusterContext(1, 0)
	if err != nil {
		log.Fatalf("ralworker: %v", err)
	}
	operator, err := cfg.Operator()
	if err != nil {
		log.Fatalf("ralworker: %v", err)
	}

	fmt.Printf("ral worker starting\n")
	fmt.Printf("  query:  %s\n", cctx.QueryID())
	fmt.Printf("  self:   %s\n", cctx.Self())
	fmt.Printf("  master: %s (is master: %v)\n", cctx.Master(), cctx.IsMaster())
	fmt.Printf("  nodes:  %d\n", cctx.TotalNodes())

	sink, closeSink := buildTelemetrySink(*telemetryDSN, logger)
	defer closeSink()

	tp, closeTransport := buildTransport(*transportMode, cctx.Self(), *listen, peers.values, logger)
	defer closeTransport()

	prim := host.New()

	scanCache := cache.New("scan")
	computeOut := cache.New("compute-out")
	distributeOut := cache.New("distribute-out")
	mergeOut := cache.New("merge-out")

	computeBase := kernel.NewBase(1, "compute", groupByExpression(cfg), cctx, scanCache, computeOut, logger)
	computeBase.SetTelemetry(sink, *ralID)
	computeKernel := aggregate.NewComputeAggregateKernel(computeBase, prim, operator)

	distributeBase := kernel.NewBase(2, "distribute", groupByExpression(cfg), cctx, computeOut, distributeOut, logger)
	distributeBase.SetTelemetry(sink, *ralID)
	distributeKernel := aggregate.NewDistributeAggregateKernel(distributeBase, tp, "ral-partition", prim, operator)

	mergeBase := kernel.NewBase(3, "merge", groupByExpression(cfg), cctx, distributeOut, mergeOut, logger)
	mergeBase.SetTelemetry(sink, *ralID)
	mergeKernel := aggregate.NewMergeAggregateKernel(mergeBase, prim, operator)

	exec := executor.New(executor.Config{Workers: cfg.ExecutorWorkers, Logger: logger})
	defer exec.Shutdown()

	if err := feedCSV(*inputPath, scanCache); err != nil {
		log.Fatalf("ralworker: reading input: %v", err)
	}

	runErrs := make(chan error, 3)
	go func() { runErrs <- computeKernel.Run(exec) }()
	go func() { runErrs <- distributeKernel.Run(exec) }()
	go func() { runErrs <- mergeKernel.Run(exec) }()

	for i := 0; i < 3; i++ {
		if err := <-runErrs; err != nil {
			log.Fatalf("ralworker: pipeline stage failed: %v", err)
		}
	}

	if err := writeResults(*outputPath, mergeOut); err != nil {
		log.Fatalf("ralworker: writing output: %v", err)
	}
}

// buildTelemetrySink returns an in-memory RecorderSink when dsn is empty,
// or a migrated PostgresSink otherwise.
func buildTelemetrySink(dsn string, logger *logging.Logger) (telemetry.Sink, func()) {
	if dsn == "" {
		sink := telemetry.NewRecorderSink()
		return sink, func() { _ = sink.Close() }
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sink, err := telemetry.NewPostgresSink(ctx, telemetry.PostgresConfig{ConnectionString: dsn}, logger.WithComponent("telemetry"))
	if err != nil {
		log.Fatalf("ralworker: telemetry: %v", err)
	}
	if err := sink.Migrate(dsn, "file://pkg/telemetry/migrations"); err != nil {
		log.Fatalf("ralworker: telemetry migration: %v", err)
	}
	return sink, func() { _ = sink.Close() }
}

// buildTransport constructs either the in-process simulation transport
// (suitable for a single-process cluster, including TotalNodes()==1) or a
// real websocket transport dialing every configured peer. -peer values are
// "node=peerid=multiaddr" triples, parsed through
// transport.ParsePeerAddress so a malformed peer id or multiaddr is caught
// before dialing rather than surfacing as an opaque connection failure; the
// websocket URL to dial is then derived from the multiaddr's host/port via
// PeerAddress.DialURL.
//
// The websocket server itself is mounted on a gorilla/mux router (the same
// routing library the teacher's cmd/noisefs-webui/main.go and
// cmd/announce-webui/main.go use) rather than served bare, so /healthz and
// /debug can sit alongside the message endpoint on one listener.
func buildTransport(mode string, self clustercontext.NodeID, listen string, peerFlags []string, logger *logging.Logger) (transport.Transport, func()) {
	switch mode {
	case "local":
		hub := transport.NewLocalHub()
		tp := transport.NewLocalTransport(hub, self)
		return tp, func() { _ = tp.Close() }
	case "websocket":
		tp := transport.NewWebsocketTransport(self)
		if listen != "" {
			router := mux.NewRouter()
			router.Handle("/ral/messages", tp)
			router.HandleFunc("/healthz", handleHealthz).Methods("GET")
			router.HandleFunc("/debug", handleDebug(self)).Methods("GET")
			go func() {
				if err := http.ListenAndServe(listen, router); err != nil {
					logger.Error("websocket transport server stopped", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
		for _, p := range peerFlags {
			node, peerIDStr, addrStr, err := splitPeerFlag(p)
			if err != nil {
				log.Fatalf("ralworker: %v", err)
			}
			pa, err := transport.ParsePeerAddress(clustercontext.NodeID(node), peerIDStr, addrStr)
			if err != nil {
				log.Fatalf("ralworker: -peer %q: %v", p, err)
			}
			url, err := pa.DialURL()
			if err != nil {
				log.Fatalf("ralworker: -peer %q: %v", p, err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = tp.Dial(ctx, pa.Node, url)
			cancel()
			if err != nil {
				log.Fatalf("ralworker: dialing peer %q: %v", node, err)
			}
		}
		return tp, func() { _ = tp.Close() }
	default:
		log.Fatalf("ralworker: unknown -transport %q", mode)
		return nil, func() {}
	}
}

// splitPeerFlag splits a "node=peerid=multiaddr" -peer flag value into its
// three parts. The multiaddr itself may contain '=' only inside encoded
// components it never does for the /ip4|/ip6|/dns.../tcp forms this worker
// dials, so a plain two-way split on the first two '=' is sufficient.
func splitPeerFlag(p string) (node, peerIDStr, addrStr string, err error) {
	node, rest, ok := strings.Cut(p, "=")
	if !ok {
		return "", "", "", fmt.Errorf("invalid -peer %q, want node=peerid=multiaddr", p)
	}
	peerIDStr, addrStr, ok = strings.Cut(rest, "=")
	if !ok {
		return "", "", "", fmt.Errorf("invalid -peer %q, want node=peerid=multiaddr", p)
	}
	return node, peerIDStr, addrStr, nil
}

// handleHealthz answers a liveness probe for this node's websocket
// transport listener.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleDebug reports this node's logical identity, a plain-text status
// route mounted next to the message endpoint the same way the teacher's
// cmd/announce-webui/main.go mounts /api/stats next to its own API routes.
func handleDebug(self clustercontext.NodeID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "node: %s\n", self)
	}
}

// feedCSV reads path as a header-plus-rows CSV file, infers each column's
// type from its first data row, and deposits the whole file as one batch
// into dst before finishing it. A real scan kernel would chunk this into
// many batches; one batch is enough to exercise the full pipeline.
func feedCSV(path string, dst *cache.CacheMachine) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			dst.Finish()
			return nil
		}
		return err
	}

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		rows = append(rows, rec)
	}

	cols := make([]batch.Column, len(header))
	for i, name := range header {
		colType := inferColumnType(rows, i)
		values := make([]any, len(rows))
		for r, rec := range rows {
			values[r] = parseValue(colType, rec[i])
		}
		cols[i] = batch.Column{Name: name, Type: colType, Values: values}
	}

	b, err := batch.New(cols)
	if err != nil {
		return err
	}
	if err := dst.DepositAllowEmpty(b); err != nil {
		return err
	}
	dst.Finish()
	return nil
}

func inferColumnType(rows [][]string, col int) batch.ColumnType {
	if len(rows) == 0 {
		return batch.TypeString
	}
	sample := rows[0][col]
	if _, err := strconv.ParseInt(sample, 10, 64); err == nil {
		return batch.TypeInt64
	}
	if _, err := strconv.ParseFloat(sample, 64); err == nil {
		return batch.TypeFloat64
	}
	if _, err := strconv.ParseBool(sample); err == nil {
		return batch.TypeBool
	}
	return batch.TypeString
}

func parseValue(t batch.ColumnType, raw string) any {
	switch t {
	case batch.TypeInt64:
		v, _ := strconv.ParseInt(raw, 10, 64)
		return v
	case batch.TypeFloat64:
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	case batch.TypeBool:
		v, _ := strconv.ParseBool(raw)
		return v
	default:
		return raw
	}
}

// writeResults drains mergeOut and writes every collected row as CSV to
// outputPath, or stdout when outputPath is empty.
func writeResults(outputPath string, mergeOut *cache.CacheMachine) error {
	out := io.Writer(os.Stdout)
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	w := csv.NewWriter(out)
	defer w.Flush()

	mergeOut.WaitUntilFinished()
	headerWritten := false
	for mergeOut.WaitForNext() {
		cd, err := mergeOut.PullCacheData()
		if err != nil {
			return err
		}
		if cd == nil {
			break
		}
		b, err := cd.Materialize()
		if err != nil {
			return err
		}
		if !headerWritten {
			header := make([]string, len(b.Columns))
			for i, c := range b.Columns {
				header[i] = c.Name
			}
			if err := w.Write(header); err != nil {
				return err
			}
			headerWritten = true
		}
		for r := 0; r < b.NumRows(); r++ {
			record := make([]string, len(b.Columns))
			for i, c := range b.Columns {
				record[i] = fmt.Sprintf("%v", c.Values[r])
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
	}
	return nil
}

// groupByExpression renders a human-readable label for a kernel's
// logging context from the already-resolved operator fields — this
// module's configuration stores the parsed descriptor directly rather
// than SQL text (see ClusterConfig.Operator), so there is no original
// expression string to echo back.
func groupByExpression(cfg *config.ClusterConfig) string {
	if len(cfg.Aggregations) == 0 {
		return fmt.Sprintf("GROUP BY %v", cfg.GroupByColumns)
	}
	return fmt.Sprintf("GROUP BY %v AGGREGATE %v", cfg.GroupByColumns, cfg.Aggregations)
}

// stringList collects repeated -peer flags.
type stringList struct {
	values []string
}

func (s *stringList) String() string { return strings.Join(s.values, ",") }
func (s *stringList) Set(v string) error {
	s.values = append(s.values, v)
	return nil
}

func flagList(name, usage string) *stringList {
	s := &stringList{}
	flag.Var(s, name, usage)
	return s
}
