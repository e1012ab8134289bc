package landscape

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/furrow-io/furrow/internal/canonical"
	"github.com/furrow-io/furrow/internal/payload"
	"github.com/furrow-io/furrow/migrations"
)

// setupAuditDatabase starts a PostgreSQL container, applies the embedded
// audit schema migrations, and returns a live connection.
func setupAuditDatabase(ctx context.Context, t *testing.T) *Connection {
	t.Helper()

	pgContainer, err := postgrescontainer.Run(ctx,
		"postgres:15-alpine",
		postgrescontainer.WithDatabase("testdb"),
		postgrescontainer.WithUsername("testuser"),
		postgrescontainer.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	conn, err := Connect(ctx, NewConfig(connStr))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})

	driver, err := migratepg.WithInstance(conn.DB, &migratepg.Config{})
	if err != nil {
		t.Fatalf("failed to create postgres migrate driver: %v", err)
	}

	sourceDriver, err := iofs.New(migrations.FS(), ".")
	if err != nil {
		t.Fatalf("failed to create embedded migration source: %v", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		t.Fatalf("failed to create migrate instance: %v", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	return conn
}

func TestPostgresRecorderRunLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAuditDatabase(ctx, t)

	recorder, err := NewPostgresRecorder(conn)
	if err != nil {
		t.Fatalf("NewPostgresRecorder() error = %v", err)
	}
	defer func() { _ = recorder.Close() }()

	run, err := recorder.BeginRun(ctx, map[string]any{"pipeline": "orders"}, canonical.Version)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	t.Run("begin run persists config hash", func(t *testing.T) {
		got, err := recorder.GetRun(ctx, run.RunID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.Status != RunRunning {
			t.Errorf("Status = %v, want %v", got.Status, RunRunning)
		}

		wantHash, err := canonical.StableHash(map[string]any{"pipeline": "orders"})
		if err != nil {
			t.Fatalf("StableHash() error = %v", err)
		}

		if got.ConfigHash != wantHash {
			t.Errorf("ConfigHash = %v, want %v", got.ConfigHash, wantHash)
		}

		if got.CanonicalVersion != canonical.Version {
			t.Errorf("CanonicalVersion = %v, want %v", got.CanonicalVersion, canonical.Version)
		}

		if !strings.Contains(got.SettingsJSON, "orders") {
			t.Errorf("SettingsJSON = %q, want config inline", got.SettingsJSON)
		}
	})

	t.Run("unknown run is not found", func(t *testing.T) {
		_, err := recorder.GetRun(ctx, NewID())
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetRun() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("complete run exactly once", func(t *testing.T) {
		if err := recorder.CompleteRun(ctx, run.RunID, RunCompleted); err != nil {
			t.Fatalf("CompleteRun() error = %v", err)
		}

		got, err := recorder.GetRun(ctx, run.RunID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.Status != RunCompleted {
			t.Errorf("Status = %v, want %v", got.Status, RunCompleted)
		}

		if got.CompletedAt == nil {
			t.Error("CompletedAt = nil, want set")
		}

		err = recorder.CompleteRun(ctx, run.RunID, RunFailed)
		if !errors.Is(err, ErrRunTerminated) {
			t.Errorf("second CompleteRun() error = %v, want ErrRunTerminated", err)
		}
	})

	t.Run("export status tracked separately", func(t *testing.T) {
		if err := recorder.SetExportStatus(ctx, run.RunID, ExportCompleted, nil); err != nil {
			t.Fatalf("SetExportStatus() error = %v", err)
		}

		got, err := recorder.GetRun(ctx, run.RunID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.ExportStatus == nil || *got.ExportStatus != ExportCompleted {
			t.Errorf("ExportStatus = %v, want %v", got.ExportStatus, ExportCompleted)
		}

		if got.ExportedAt == nil {
			t.Error("ExportedAt = nil, want set")
		}

		if got.Status != RunCompleted {
			t.Errorf("Status = %v, run status must not change on export", got.Status)
		}
	})
}

func TestPostgresRecorderGraphRegistration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAuditDatabase(ctx, t)

	recorder, err := NewPostgresRecorder(conn)
	if err != nil {
		t.Fatalf("NewPostgresRecorder() error = %v", err)
	}
	defer func() { _ = recorder.Close() }()

	run, err := recorder.BeginRun(ctx, map[string]any{"pipeline": "graph"}, canonical.Version)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	source := RegisterNodeInput{
		RunID:         run.RunID,
		NodeID:        "source_csv_000",
		PluginName:    "csv",
		NodeType:      NodeSource,
		PluginVersion: "1.0.0",
		Determinism:   IORead,
		Config:        map[string]any{"path": "in.csv"},
	}

	t.Run("node registration is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if _, err := recorder.RegisterNode(ctx, source); err != nil {
				t.Fatalf("RegisterNode() error = %v", err)
			}
		}

		nodes, err := recorder.ListNodes(ctx, run.RunID)
		if err != nil {
			t.Fatalf("ListNodes() error = %v", err)
		}

		if len(nodes) != 1 {
			t.Fatalf("len(nodes) = %d, want 1", len(nodes))
		}

		if nodes[0].PluginName != "csv" || nodes[0].NodeType != NodeSource {
			t.Errorf("node = %s/%s, want csv/source", nodes[0].PluginName, nodes[0].NodeType)
		}
	})

	t.Run("edge registration is idempotent", func(t *testing.T) {
		edge := RegisterEdgeInput{
			RunID:      run.RunID,
			FromNodeID: "source_csv_000",
			ToNodeID:   "sink_csv_001",
			Label:      "continue",
			Mode:       RouteMove,
		}

		for i := 0; i < 2; i++ {
			if _, err := recorder.RegisterEdge(ctx, edge); err != nil {
				t.Fatalf("RegisterEdge() error = %v", err)
			}
		}

		edges, err := recorder.ListEdges(ctx, run.RunID)
		if err != nil {
			t.Fatalf("ListEdges() error = %v", err)
		}

		if len(edges) != 1 {
			t.Fatalf("len(edges) = %d, want 1", len(edges))
		}
	})

	t.Run("nondeterministic node downgrades reproducibility", func(t *testing.T) {
		_, err := recorder.RegisterNode(ctx, RegisterNodeInput{
			RunID:         run.RunID,
			NodeID:        "transform_llm_001",
			PluginName:    "llm",
			NodeType:      NodeTransform,
			PluginVersion: "1.0.0",
			Determinism:   Nondeterministic,
		})
		if err != nil {
			t.Fatalf("RegisterNode() error = %v", err)
		}

		got, err := recorder.GetRun(ctx, run.RunID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.Reproducibility != string(ReplayReproducible) {
			t.Errorf("Reproducibility = %v, want %v", got.Reproducibility, ReplayReproducible)
		}
	})
}

func TestPostgresRecorderLineageAndOutcomes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAuditDatabase(ctx, t)

	recorder, err := NewPostgresRecorder(conn)
	if err != nil {
		t.Fatalf("NewPostgresRecorder() error = %v", err)
	}
	defer func() { _ = recorder.Close() }()

	run, err := recorder.BeginRun(ctx, map[string]any{"pipeline": "lineage"}, canonical.Version)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	const (
		sourceID = "source_csv_000"
		sinkID   = "sink_csv_001"
	)

	for _, in := range []RegisterNodeInput{
		{RunID: run.RunID, NodeID: sourceID, PluginName: "csv", NodeType: NodeSource, PluginVersion: "1.0.0", Determinism: IORead},
		{RunID: run.RunID, NodeID: sinkID, PluginName: "csv", NodeType: NodeSink, PluginVersion: "1.0.0", Determinism: Deterministic},
	} {
		if _, err := recorder.RegisterNode(ctx, in); err != nil {
			t.Fatalf("RegisterNode(%s) error = %v", in.NodeID, err)
		}
	}

	// Row 0 runs to the sink and completes.
	row0, err := recorder.CreateRow(ctx, run.RunID, sourceID, 0, map[string]any{"id": 1}, false)
	if err != nil {
		t.Fatalf("CreateRow() error = %v", err)
	}

	token0, err := recorder.CreateToken(ctx, row0.RowID)
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	state, err := recorder.BeginNodeState(ctx, BeginNodeStateInput{
		TokenID:   token0.TokenID,
		RunID:     run.RunID,
		NodeID:    sinkID,
		StepIndex: 1,
		Attempt:   1,
		InputData: map[string]any{"id": 1},
	})
	if err != nil {
		t.Fatalf("BeginNodeState() error = %v", err)
	}

	t.Run("single running state per token and node", func(t *testing.T) {
		_, err := recorder.BeginNodeState(ctx, BeginNodeStateInput{
			TokenID:   token0.TokenID,
			RunID:     run.RunID,
			NodeID:    sinkID,
			StepIndex: 1,
			Attempt:   2,
			InputData: map[string]any{"id": 1},
		})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("BeginNodeState() error = %v, want ErrInvalidTransition", err)
		}
	})

	if _, err := recorder.RecordRoutingEvent(ctx, RoutingEventInput{
		StateID:      state.StateID,
		Kind:         RoutingContinue,
		Destinations: []string{},
		Mode:         RouteMove,
	}); err != nil {
		t.Fatalf("RecordRoutingEvent() error = %v", err)
	}

	if err := recorder.CompleteNodeState(ctx, CompleteNodeStateInput{
		StateID:    state.StateID,
		Status:     StateCompleted,
		OutputData: map[string]any{"id": 1},
		DurationMS: 1.5,
	}); err != nil {
		t.Fatalf("CompleteNodeState() error = %v", err)
	}

	hash := canonical.HashBytes([]byte("artifact"))
	size := int64(8)

	if _, err := recorder.RecordArtifact(ctx, ArtifactInput{
		StateID:     state.StateID,
		RunID:       run.RunID,
		SinkNodeID:  sinkID,
		Kind:        "file",
		PathOrURI:   "out.csv",
		ContentHash: &hash,
		SizeBytes:   &size,
	}); err != nil {
		t.Fatalf("RecordArtifact() error = %v", err)
	}

	// Row 1 forks into two branches.
	row1, err := recorder.CreateRow(ctx, run.RunID, sourceID, 1, map[string]any{"id": 2}, false)
	if err != nil {
		t.Fatalf("CreateRow() error = %v", err)
	}

	token1, err := recorder.CreateToken(ctx, row1.RowID)
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	step := 1

	children, forkGroup, err := recorder.ForkToken(ctx, token1.TokenID, row1.RowID, []string{"left", "right"}, &step)
	if err != nil {
		t.Fatalf("ForkToken() error = %v", err)
	}

	if len(children) != 2 || forkGroup == "" {
		t.Fatalf("ForkToken() = %d children, group %q", len(children), forkGroup)
	}

	// Row 2 fails validation and is quarantined.
	row2, err := recorder.CreateRow(ctx, run.RunID, sourceID, 2, map[string]any{"id": "bad"}, true)
	if err != nil {
		t.Fatalf("CreateRow() error = %v", err)
	}

	if _, err := recorder.CreateToken(ctx, row2.RowID); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	if _, err := recorder.RecordValidationError(ctx, ValidationErrorInput{
		RunID:        run.RunID,
		SourceNodeID: sourceID,
		RowIndex:     2,
		RawData:      map[string]any{"id": "bad"},
		Reason:       "field id: expected int",
		Destination:  "discarded",
	}); err != nil {
		t.Fatalf("RecordValidationError() error = %v", err)
	}

	if err := recorder.CompleteRun(ctx, run.RunID, RunCompleted); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	t.Run("states read back in order", func(t *testing.T) {
		states, err := recorder.ListNodeStates(ctx, token0.TokenID)
		if err != nil {
			t.Fatalf("ListNodeStates() error = %v", err)
		}

		if len(states) != 1 {
			t.Fatalf("len(states) = %d, want 1", len(states))
		}

		got := states[0]
		if got.Status != StateCompleted {
			t.Errorf("Status = %v, want %v", got.Status, StateCompleted)
		}

		if got.OutputHash == nil || *got.OutputHash != got.InputHash {
			t.Errorf("OutputHash = %v, want input hash for identity sink", got.OutputHash)
		}

		if got.CompletedAt == nil {
			t.Error("CompletedAt = nil, want set")
		}

		events, err := recorder.ListRoutingEvents(ctx, got.StateID)
		if err != nil {
			t.Fatalf("ListRoutingEvents() error = %v", err)
		}

		if len(events) != 1 || events[0].Kind != RoutingContinue {
			t.Errorf("events = %v, want one continue", events)
		}
	})

	t.Run("fork parents are ordered", func(t *testing.T) {
		for i, child := range children {
			parents, err := recorder.ListTokenParents(ctx, child.TokenID)
			if err != nil {
				t.Fatalf("ListTokenParents() error = %v", err)
			}

			if len(parents) != 1 {
				t.Fatalf("len(parents) = %d, want 1", len(parents))
			}

			if parents[0].ParentTokenID != token1.TokenID || parents[0].Ordinal != i {
				t.Errorf("parent = %+v, want parent %s ordinal %d", parents[0], token1.TokenID, i)
			}
		}
	})

	t.Run("artifacts recorded for run", func(t *testing.T) {
		artifacts, err := recorder.ListArtifacts(ctx, run.RunID)
		if err != nil {
			t.Fatalf("ListArtifacts() error = %v", err)
		}

		if len(artifacts) != 1 || artifacts[0].PathOrURI != "out.csv" {
			t.Errorf("artifacts = %v, want one at out.csv", artifacts)
		}
	})

	t.Run("outcomes derived from the trail", func(t *testing.T) {
		resolver := NewOutcomeResolver(recorder)

		outcomes, err := resolver.RunOutcomes(ctx, run.RunID)
		if err != nil {
			t.Fatalf("RunOutcomes() error = %v", err)
		}

		if got := outcomes[token0.TokenID]; got != OutcomeCompleted {
			t.Errorf("token0 outcome = %v, want %v", got, OutcomeCompleted)
		}

		if got := outcomes[token1.TokenID]; got != OutcomeForked {
			t.Errorf("token1 outcome = %v, want %v", got, OutcomeForked)
		}
	})
}

func TestPostgresRecorderPayloadExternalization(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupAuditDatabase(ctx, t)

	store := payload.NewMemoryStore()

	recorder, err := NewPostgresRecorder(conn, WithPayloadStore(store, 64))
	if err != nil {
		t.Fatalf("NewPostgresRecorder() error = %v", err)
	}
	defer func() { _ = recorder.Close() }()

	run, err := recorder.BeginRun(ctx, map[string]any{"pipeline": "payloads"}, canonical.Version)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	t.Run("small rows stay inline", func(t *testing.T) {
		row, err := recorder.CreateRow(ctx, run.RunID, "source_csv_000", 0, map[string]any{"id": 1}, false)
		if err != nil {
			t.Fatalf("CreateRow() error = %v", err)
		}

		if row.DataJSON == nil || row.DataRef != nil {
			t.Errorf("row = json %v ref %v, want inline only", row.DataJSON, row.DataRef)
		}
	})

	t.Run("large rows move to the payload store", func(t *testing.T) {
		big := map[string]any{"id": 2, "body": strings.Repeat("x", 200)}

		row, err := recorder.CreateRow(ctx, run.RunID, "source_csv_000", 1, big, false)
		if err != nil {
			t.Fatalf("CreateRow() error = %v", err)
		}

		if row.DataRef == nil || row.DataJSON != nil {
			t.Fatalf("row = json %v ref %v, want ref only", row.DataJSON, row.DataRef)
		}

		stored, err := store.Get(ctx, *row.DataRef)
		if err != nil {
			t.Fatalf("payload Get() error = %v", err)
		}

		if canonical.HashBytes(stored) != row.DataHash {
			t.Error("externalized payload does not hash to DataHash")
		}

		// Read back through the reader: the stored row carries the ref.
		rows, err := recorder.ListRows(ctx, run.RunID)
		if err != nil {
			t.Fatalf("ListRows() error = %v", err)
		}

		if len(rows) != 2 {
			t.Fatalf("len(rows) = %d, want 2", len(rows))
		}

		if rows[1].DataRef == nil || *rows[1].DataRef != *row.DataRef {
			t.Errorf("read-back DataRef = %v, want %v", rows[1].DataRef, *row.DataRef)
		}
	})
}
