package landscape

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/furrow-io/furrow/internal/canonical"
)

const exportDirPerm = 0o750

// ErrExportVerification indicates an exported trail that fails integrity
// verification.
var ErrExportVerification = errors.New("export verification failed")

// ExportStatusSetter marks the export phase outcome on a run. Both the
// Postgres and the in-memory recorder implement it.
type ExportStatusSetter interface {
	SetExportStatus(ctx context.Context, runID string, status ExportStatus, exportError *string) error
}

// ManifestFile describes one exported file and its position in the hash
// chain.
type ManifestFile struct {
	Name      string `json:"name"`       //nolint: tagliatelle
	Records   int    `json:"records"`    //nolint: tagliatelle
	SHA256    string `json:"sha256"`     //nolint: tagliatelle
	ChainHash string `json:"chain_hash"` //nolint: tagliatelle
}

// Manifest is the integrity record of one export. The chain hash of each
// file covers every file before it, so truncating or reordering the export
// breaks verification even when each file's own digest still matches.
type Manifest struct {
	RunID              string         `json:"run_id"`              //nolint: tagliatelle
	ExportedAt         time.Time      `json:"exported_at"`         //nolint: tagliatelle
	CanonicalVersion   string         `json:"canonical_version"`   //nolint: tagliatelle
	ConfigHash         string         `json:"config_hash"`         //nolint: tagliatelle
	Files              []ManifestFile `json:"files"`               //nolint: tagliatelle
	ChainHash          string         `json:"chain_hash"`          //nolint: tagliatelle
	Signature          *string        `json:"signature"`           //nolint: tagliatelle
	SignatureAlgorithm *string        `json:"signature_algorithm"` //nolint: tagliatelle
}

// Exporter writes a run's complete audit trail as deterministic JSONL files
// plus a hash-chained manifest, suitable for archival and offline
// verification.
type Exporter struct {
	reader     Reader
	status     ExportStatusSetter
	signingKey []byte
	logger     *slog.Logger
}

// ExporterOption configures optional Exporter behavior.
type ExporterOption func(*Exporter)

// WithSigningKey enables HMAC-SHA256 manifest signing.
func WithSigningKey(key []byte) ExporterOption {
	return func(e *Exporter) {
		e.signingKey = key
	}
}

// WithStatusSetter records export success or failure back onto the run.
func WithStatusSetter(status ExportStatusSetter) ExporterOption {
	return func(e *Exporter) {
		e.status = status
	}
}

// WithExportLogger sets the exporter's logger.
func WithExportLogger(logger *slog.Logger) ExporterOption {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// NewExporter creates an exporter over a reader.
func NewExporter(reader Reader, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		reader: reader,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Export writes the run's trail under dir/<run_id>/ and returns the
// manifest. The run itself may still be running; exports of terminal runs
// are the supported archival path.
//
// When a status setter is configured, success and failure are recorded on
// the run, and an export failure never masks the export error itself.
func (e *Exporter) Export(ctx context.Context, runID, dir string) (*Manifest, error) {
	manifest, err := e.export(ctx, runID, dir)
	if err != nil {
		if e.status != nil {
			msg := err.Error()
			if statusErr := e.status.SetExportStatus(ctx, runID, ExportFailed, &msg); statusErr != nil {
				e.logger.Error("failed to record export failure",
					slog.String("run_id", runID),
					slog.String("error", statusErr.Error()),
				)
			}
		}

		return nil, err
	}

	if e.status != nil {
		if err := e.status.SetExportStatus(ctx, runID, ExportCompleted, nil); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

func (e *Exporter) export(ctx context.Context, runID, dir string) (*Manifest, error) {
	run, err := e.reader.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	exportDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(exportDir, exportDirPerm); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	sections, err := e.collectSections(ctx, run)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		RunID:            runID,
		ExportedAt:       time.Now().UTC(),
		CanonicalVersion: run.CanonicalVersion,
		ConfigHash:       run.ConfigHash,
	}

	// The chain starts at the run's config hash so that a manifest can never
	// be verified against a different run's files.
	chain := run.ConfigHash

	for _, section := range sections {
		entry, err := writeJSONLFile(exportDir, section.name, section.records)
		if err != nil {
			return nil, err
		}

		chain = canonical.HashBytes([]byte(chain + entry.SHA256))
		entry.ChainHash = chain
		manifest.Files = append(manifest.Files, entry)
	}

	manifest.ChainHash = chain

	if len(e.signingKey) > 0 {
		signature := signChain(e.signingKey, chain)
		algorithm := "hmac-sha256"
		manifest.Signature = &signature
		manifest.SignatureAlgorithm = &algorithm
	}

	raw, err := canonical.Canonicalize(manifest)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}

	manifestPath := filepath.Join(exportDir, "manifest.json")
	if err := os.WriteFile(manifestPath, raw, 0o640); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	e.logger.Info("run exported",
		slog.String("run_id", runID),
		slog.String("chain_hash", chain),
		slog.Int("files", len(manifest.Files)),
		slog.Bool("signed", manifest.Signature != nil),
	)

	return manifest, nil
}

// exportSection is one JSONL file's worth of records, already in the
// reader's deterministic order.
type exportSection struct {
	name    string
	records []any
}

func toAny[T any](in []*T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}

	return out
}

// collectSections gathers every entity of the run, in a fixed section order
// so that two exports of the same trail are byte-identical apart from
// timestamps in the manifest.
func (e *Exporter) collectSections(ctx context.Context, run *Run) ([]exportSection, error) {
	runID := run.RunID

	nodes, err := e.reader.ListNodes(ctx, runID)
	if err != nil {
		return nil, err
	}

	edges, err := e.reader.ListEdges(ctx, runID)
	if err != nil {
		return nil, err
	}

	rows, err := e.reader.ListRows(ctx, runID)
	if err != nil {
		return nil, err
	}

	tokens, err := e.reader.ListTokens(ctx, runID)
	if err != nil {
		return nil, err
	}

	var (
		parents []*TokenParent
		states  []*NodeState
		events  []*RoutingEvent
		calls   []*Call
	)

	for _, token := range tokens {
		tokenParents, err := e.reader.ListTokenParents(ctx, token.TokenID)
		if err != nil {
			return nil, err
		}

		parents = append(parents, tokenParents...)

		tokenStates, err := e.reader.ListNodeStates(ctx, token.TokenID)
		if err != nil {
			return nil, err
		}

		states = append(states, tokenStates...)

		for _, state := range tokenStates {
			stateEvents, err := e.reader.ListRoutingEvents(ctx, state.StateID)
			if err != nil {
				return nil, err
			}

			events = append(events, stateEvents...)

			stateCalls, err := e.reader.ListCalls(ctx, state.StateID)
			if err != nil {
				return nil, err
			}

			calls = append(calls, stateCalls...)
		}
	}

	batches, err := e.reader.ListBatches(ctx, runID)
	if err != nil {
		return nil, err
	}

	var (
		members []*BatchMember
		outputs []*BatchOutput
	)

	for _, batch := range batches {
		batchMembers, err := e.reader.ListBatchMembers(ctx, batch.BatchID)
		if err != nil {
			return nil, err
		}

		members = append(members, batchMembers...)

		batchOutputs, err := e.reader.ListBatchOutputs(ctx, batch.BatchID)
		if err != nil {
			return nil, err
		}

		outputs = append(outputs, batchOutputs...)
	}

	artifacts, err := e.reader.ListArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}

	validationErrors, err := e.reader.ListValidationErrors(ctx, runID)
	if err != nil {
		return nil, err
	}

	return []exportSection{
		{name: "run.jsonl", records: []any{run}},
		{name: "nodes.jsonl", records: toAny(nodes)},
		{name: "edges.jsonl", records: toAny(edges)},
		{name: "rows.jsonl", records: toAny(rows)},
		{name: "tokens.jsonl", records: toAny(tokens)},
		{name: "token_parents.jsonl", records: toAny(parents)},
		{name: "node_states.jsonl", records: toAny(states)},
		{name: "routing_events.jsonl", records: toAny(events)},
		{name: "batches.jsonl", records: toAny(batches)},
		{name: "batch_members.jsonl", records: toAny(members)},
		{name: "batch_outputs.jsonl", records: toAny(outputs)},
		{name: "artifacts.jsonl", records: toAny(artifacts)},
		{name: "calls.jsonl", records: toAny(calls)},
		{name: "validation_errors.jsonl", records: toAny(validationErrors)},
	}, nil
}

// writeJSONLFile writes one record per line in canonical form, hashing the
// file as it streams out.
func writeJSONLFile(dir, name string, records []any) (ManifestFile, error) {
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("create %s: %w", name, err)
	}

	hasher := sha256.New()
	writer := io.MultiWriter(file, hasher)

	for _, record := range records {
		line, err := canonical.Canonicalize(record)
		if err != nil {
			_ = file.Close()

			return ManifestFile{}, fmt.Errorf("canonicalize %s record: %w", name, err)
		}

		if _, err := writer.Write(append(line, '\n')); err != nil {
			_ = file.Close()

			return ManifestFile{}, fmt.Errorf("write %s: %w", name, err)
		}
	}

	if err := file.Close(); err != nil {
		return ManifestFile{}, fmt.Errorf("close %s: %w", name, err)
	}

	return ManifestFile{
		Name:    name,
		Records: len(records),
		SHA256:  hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func signChain(key []byte, chainHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(chainHash))

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyExport re-hashes an exported directory against its manifest,
// re-derives the chain, and checks the signature when a key is supplied.
// It returns nil only when every file digest, the chain, and the signature
// (if present) all match.
func VerifyExport(dir string, key []byte) error {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("%w: parse manifest: %w", ErrExportVerification, err)
	}

	chain := manifest.ConfigHash

	for _, entry := range manifest.Files {
		digest, err := hashFile(filepath.Join(dir, entry.Name))
		if err != nil {
			return err
		}

		if digest != entry.SHA256 {
			return fmt.Errorf("%w: file %s digest mismatch", ErrExportVerification, entry.Name)
		}

		chain = canonical.HashBytes([]byte(chain + digest))
		if chain != entry.ChainHash {
			return fmt.Errorf("%w: chain broken at %s", ErrExportVerification, entry.Name)
		}
	}

	if chain != manifest.ChainHash {
		return fmt.Errorf("%w: manifest chain hash mismatch", ErrExportVerification)
	}

	if len(key) > 0 {
		if manifest.Signature == nil {
			return fmt.Errorf("%w: manifest is unsigned", ErrExportVerification)
		}

		expected := signChain(key, chain)
		if !hmac.Equal([]byte(expected), []byte(*manifest.Signature)) {
			return fmt.Errorf("%w: signature mismatch", ErrExportVerification)
		}
	}

	return nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
