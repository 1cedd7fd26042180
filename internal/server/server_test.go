// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-bro/internal/agents"
	"github.com/nishisan-dev/n-bro/internal/checksum"
	"github.com/nishisan-dev/n-bro/internal/fragment"
	"github.com/nishisan-dev/n-bro/internal/job"
	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/restore"
	"github.com/nishisan-dev/n-bro/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	srv    *Server
	repo   *agents.Repository
	jobs   *job.Executor
	store  *storage.LocalStore
	files  *fragment.FileService
	logDir string
	addr   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	h := &harness{
		repo:   agents.NewRepository(testLogger()),
		jobs:   job.NewExecutor(testLogger()),
		store:  store,
		files:  fragment.NewFileService(store),
		logDir: t.TempDir(),
	}
	h.srv = New(Options{
		Agents:        h.repo,
		Jobs:          h.jobs,
		Store:         store,
		Sender:        restore.NewSender(store, 4096, 0, testLogger()),
		SessionLogDir: h.logDir,
		IdleTimeout:   5 * time.Second,
		Logger:        testLogger(),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	h.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return h
}

func (h *harness) dial(t *testing.T, magic [4]byte) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := protocol.WritePreamble(conn, magic); err != nil {
		t.Fatalf("WritePreamble: %v", err)
	}
	return conn
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func register(t *testing.T, h *harness, agentID string) net.Conn {
	t.Helper()
	conn := h.dial(t, protocol.MagicControl)
	reg := protocol.Register{AgentID: agentID, Scope: "alpha", APIVersion: protocol.APIVersion4,
		SoftwareVersion: protocol.SoftwareVersion{ProductName: "db"}}
	if err := protocol.WriteControlMessage(conn, reg); err != nil {
		t.Fatalf("WriteControlMessage: %v", err)
	}
	msg, err := protocol.ReadControlMessage(conn)
	if err != nil {
		t.Fatalf("ReadControlMessage: %v", err)
	}
	if _, ok := msg.(protocol.RegisterAcknowledge); !ok {
		t.Fatalf("expected RegisterAcknowledge, got %T", msg)
	}
	return conn
}

func sessionLogs(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*.log"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	return matches
}

func TestServer_ControlChannelRegistersAgent(t *testing.T) {
	h := newHarness(t)
	conn := register(t, h, "A1")

	eventually(t, "agent registered", func() bool {
		_, ok := h.repo.Get("A1")
		return ok
	})
	if got := h.repo.AgentsInScope("alpha"); len(got) != 1 {
		t.Errorf("expected agent in scope alpha, got %d", len(got))
	}
	eventually(t, "session log created", func() bool { return len(sessionLogs(t, h.logDir)) == 1 })

	// Desconexão limpa: sessão removida do repositório e log descartado.
	conn.Close()
	eventually(t, "agent removed", func() bool { return h.repo.Len() == 0 })
	eventually(t, "session log discarded", func() bool { return len(sessionLogs(t, h.logDir)) == 0 })
}

func TestServer_DuplicateAgentRejected(t *testing.T) {
	h := newHarness(t)
	register(t, h, "A1")

	conn := h.dial(t, protocol.MagicControl)
	if err := protocol.WriteControlMessage(conn, protocol.Register{AgentID: "A1", APIVersion: protocol.APIVersion4}); err != nil {
		t.Fatalf("WriteControlMessage: %v", err)
	}
	msg, err := protocol.ReadControlMessage(conn)
	if err != nil {
		t.Fatalf("ReadControlMessage: %v", err)
	}
	em, ok := msg.(protocol.ErrorMessage)
	if !ok || em.Status != protocol.StatusAlreadyExists {
		t.Fatalf("expected AlreadyExists error, got %#v", msg)
	}
	if _, err := protocol.ReadControlMessage(conn); err == nil {
		t.Error("expected connection to be closed after rejection")
	}
	if h.repo.Len() != 1 {
		t.Errorf("first session must stay registered, got %d", h.repo.Len())
	}
}

func TestServer_MessageBeforeRegisterRejected(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, protocol.MagicControl)
	if err := protocol.WriteControlMessage(conn, protocol.StageComplete{Action: protocol.ActionBackup, Success: true}); err != nil {
		t.Fatalf("WriteControlMessage: %v", err)
	}
	msg, err := protocol.ReadControlMessage(conn)
	if err != nil {
		t.Fatalf("ReadControlMessage: %v", err)
	}
	if em, ok := msg.(protocol.ErrorMessage); !ok || em.Status != protocol.StatusFailedPrecondition {
		t.Fatalf("expected FailedPrecondition error, got %#v", msg)
	}
}

func TestServer_UnknownPreambleClosed(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, [4]byte{'N', 'O', 'P', 'E'})
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection to be closed")
	}
}

// backupJob é um CreateBackup estacionado até release.
type backupJob struct {
	name    string
	release chan struct{}

	mu        sync.Mutex
	received  []string
	succeeded []string
	failed    []string
	bytes     int64
}

func (j *backupJob) ID() string              { return "backup-job" }
func (j *backupJob) Type() job.Type          { return job.TypeCreateBackup }
func (j *backupJob) BackupManagerID() string { return "DEFAULT" }
func (j *backupJob) BackupName() string      { return j.name }
func (j *backupJob) Run(ctx context.Context) error {
	select {
	case <-j.release:
	case <-ctx.Done():
	}
	return nil
}

func (j *backupJob) FragmentReceived(agentID string, meta fragment.Metadata) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.received = append(j.received, agentID+"/"+meta.FragmentID)
	return nil
}

func (j *backupJob) FragmentSucceeded(agentID, fragmentID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.succeeded = append(j.succeeded, agentID+"/"+fragmentID)
	return nil
}

func (j *backupJob) FragmentFailed(agentID, fragmentID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failed = append(j.failed, agentID+"/"+fragmentID)
}

func (j *backupJob) AddTransferredBytes(_ string, n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytes += n
}

func (j *backupJob) snapshot() (succeeded, failed []string, bytes int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.succeeded...), append([]string(nil), j.failed...), j.bytes
}

func startJob(t *testing.T, h *harness, j job.Job) {
	t.Helper()
	if err := h.jobs.Submit(context.Background(), j, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func readAck(t *testing.T, conn net.Conn) protocol.DataAck {
	t.Helper()
	msg, err := protocol.ReadDataMessage(conn)
	if err != nil {
		t.Fatalf("ReadDataMessage: %v", err)
	}
	ack, ok := msg.(protocol.DataAck)
	if !ok {
		t.Fatalf("expected DataAck, got %T", msg)
	}
	return ack
}

func writeAll(t *testing.T, conn net.Conn, msgs ...protocol.DataMessage) {
	t.Helper()
	for _, m := range msgs {
		if err := protocol.WriteDataMessage(conn, m); err != nil {
			t.Fatalf("WriteDataMessage %T: %v", m, err)
		}
	}
}

func TestServer_BackupDataWithoutJob(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, protocol.MagicBackupData)
	if ack := readAck(t, conn); ack.Success {
		t.Fatal("expected failed ack without running backup")
	}
}

func TestServer_BackupDataStoresFragment(t *testing.T) {
	h := newHarness(t)
	j := &backupJob{name: "b1", release: make(chan struct{})}
	startJob(t, h, j)
	defer func() { close(j.release); h.jobs.Wait() }()

	payload := []byte("subscriber dump")
	conn := h.dial(t, protocol.MagicBackupData)
	writeAll(t, conn,
		protocol.Metadata{AgentID: "A1", BackupName: "b1", FragmentID: "data", Version: "1", SizeInBytes: "15"},
		protocol.BackupFileChunk{FileChunk: protocol.FileChunk{FileName: "dump.bin"}},
		protocol.BackupFileChunk{FileChunk: protocol.FileChunk{Content: payload}},
		protocol.BackupFileChunk{FileChunk: protocol.FileChunk{Checksum: checksum.Of(payload)}},
		protocol.DataEnd{},
	)
	if ack := readAck(t, conn); !ack.Success {
		t.Fatalf("expected success ack, got %+v", ack)
	}

	succeeded, failed, bytes := j.snapshot()
	if len(succeeded) != 1 || succeeded[0] != "A1/data" || len(failed) != 0 {
		t.Fatalf("unexpected outcomes: succeeded=%v failed=%v", succeeded, failed)
	}
	if bytes != int64(len(payload)) {
		t.Errorf("expected %d bytes, got %d", len(payload), bytes)
	}

	loc := fragment.Location{BackupManagerID: "DEFAULT", BackupName: "b1", AgentID: "A1", FragmentID: "data"}
	frag, err := h.files.Fragment(context.Background(), loc)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(frag.DataFiles) != 1 || frag.DataFiles[0] != "dump.bin" {
		t.Errorf("unexpected data files: %v", frag.DataFiles)
	}
	if h.srv.Streams().Len() != 0 {
		t.Errorf("stream id must be released, %d still open", h.srv.Streams().Len())
	}
}

func TestServer_BackupDataChecksumMismatch(t *testing.T) {
	h := newHarness(t)
	j := &backupJob{name: "b1", release: make(chan struct{})}
	startJob(t, h, j)
	defer func() { close(j.release); h.jobs.Wait() }()

	conn := h.dial(t, protocol.MagicBackupData)
	writeAll(t, conn,
		protocol.Metadata{AgentID: "A1", BackupName: "b1", FragmentID: "data", Version: "1", SizeInBytes: "3"},
		protocol.BackupFileChunk{FileChunk: protocol.FileChunk{FileName: "dump.bin"}},
		protocol.BackupFileChunk{FileChunk: protocol.FileChunk{Content: []byte("abc")}},
		protocol.BackupFileChunk{FileChunk: protocol.FileChunk{Checksum: "00000000000000000000000000000000"}},
	)
	if ack := readAck(t, conn); ack.Success || ack.Message == "" {
		t.Fatalf("expected failed ack with message, got %+v", ack)
	}
	if _, failed, _ := j.snapshot(); len(failed) != 1 {
		t.Errorf("expected fragment failure, got %v", failed)
	}
	if _, err := h.store.Stat(context.Background(), "DEFAULT/b1/A1/data/data/dump.bin"); !storage.IsNotExist(err) {
		t.Errorf("rejected file must not be committed, Stat: %v", err)
	}
}

func TestServer_BackupDataInterruptedFailsFragment(t *testing.T) {
	h := newHarness(t)
	j := &backupJob{name: "b1", release: make(chan struct{})}
	startJob(t, h, j)
	defer func() { close(j.release); h.jobs.Wait() }()

	conn := h.dial(t, protocol.MagicBackupData)
	writeAll(t, conn,
		protocol.Metadata{AgentID: "A1", BackupName: "b1", FragmentID: "data", Version: "1", SizeInBytes: "3"},
		protocol.BackupFileChunk{FileChunk: protocol.FileChunk{FileName: "dump.bin"}},
	)
	conn.Close()

	eventually(t, "fragment failure", func() bool {
		_, failed, _ := j.snapshot()
		return len(failed) == 1
	})
}

// restoreJob serve os fragmentos de um backup já persistido.
type restoreJob struct {
	name    string
	files   *fragment.FileService
	release chan struct{}

	mu    sync.Mutex
	bytes int64
}

func (j *restoreJob) ID() string              { return "restore-job" }
func (j *restoreJob) Type() job.Type          { return job.TypeRestore }
func (j *restoreJob) BackupManagerID() string { return "DEFAULT" }
func (j *restoreJob) BackupName() string      { return j.name }
func (j *restoreJob) Run(ctx context.Context) error {
	select {
	case <-j.release:
	case <-ctx.Done():
	}
	return nil
}

func (j *restoreJob) Fragment(agentID, fragmentID string) (*fragment.Fragment, error) {
	if agentID != "A1" {
		return nil, job.ErrUnknownParticipant
	}
	return j.files.Fragment(context.Background(), fragment.Location{
		BackupManagerID: "DEFAULT", BackupName: j.name, AgentID: agentID, FragmentID: fragmentID,
	})
}

func (j *restoreJob) AddTransferredBytes(_ string, n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytes += n
}

func seedFragment(t *testing.T, h *harness, payload []byte) {
	t.Helper()
	ctx := context.Background()
	loc := fragment.Location{BackupManagerID: "DEFAULT", BackupName: "b1", AgentID: "A1", FragmentID: "data"}
	meta := fragment.Metadata{AgentID: "A1", BackupName: "b1", FragmentID: "data", Version: "2", SizeInBytes: "7"}
	if err := h.files.WriteFragment(ctx, loc, meta); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
	if err := h.store.WriteFile(ctx, loc.DataKey("dump.bin"), payload); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := h.store.WriteFile(ctx, loc.ChecksumKey(loc.DataKey("dump.bin")), []byte(checksum.Of(payload))); err != nil {
		t.Fatalf("WriteFile sidecar: %v", err)
	}
}

func TestServer_RestoreDataSendsFragment(t *testing.T) {
	h := newHarness(t)
	payload := []byte("restore")
	seedFragment(t, h, payload)

	j := &restoreJob{name: "b1", files: h.files, release: make(chan struct{})}
	startJob(t, h, j)
	defer func() { close(j.release); h.jobs.Wait() }()

	conn := h.dial(t, protocol.MagicRestoreData)
	writeAll(t, conn, protocol.RestoreRequest{AgentID: "A1", BackupName: "b1", FragmentID: "data"})

	var got []protocol.DataMessage
	for {
		msg, err := protocol.ReadDataMessage(conn)
		if err != nil {
			t.Fatalf("ReadDataMessage: %v", err)
		}
		got = append(got, msg)
		if _, end := msg.(protocol.DataEnd); end {
			break
		}
		if ack, isAck := msg.(protocol.DataAck); isAck {
			t.Fatalf("unexpected ack: %+v", ack)
		}
	}

	if len(got) != 5 {
		t.Fatalf("expected metadata, 3 chunks and end, got %d messages", len(got))
	}
	if meta, ok := got[0].(protocol.Metadata); !ok || meta.Version != "2" || meta.FragmentID != "data" {
		t.Errorf("unexpected metadata: %#v", got[0])
	}
	if c, ok := got[2].(protocol.BackupFileChunk); !ok || string(c.Content) != string(payload) {
		t.Errorf("unexpected content chunk: %#v", got[2])
	}
	if c, ok := got[3].(protocol.BackupFileChunk); !ok || c.Checksum != checksum.Of(payload) {
		t.Errorf("unexpected checksum chunk: %#v", got[3])
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.bytes != int64(len(payload)) {
		t.Errorf("expected %d restored bytes, got %d", len(payload), j.bytes)
	}
}

func TestServer_RestoreDataRejections(t *testing.T) {
	h := newHarness(t)
	seedFragment(t, h, []byte("restore"))

	// Sem restore em execução.
	conn := h.dial(t, protocol.MagicRestoreData)
	writeAll(t, conn, protocol.RestoreRequest{AgentID: "A1", BackupName: "b1", FragmentID: "data"})
	if ack := readAck(t, conn); ack.Success {
		t.Fatal("expected failure without running restore")
	}

	j := &restoreJob{name: "b1", files: h.files, release: make(chan struct{})}
	startJob(t, h, j)
	defer func() { close(j.release); h.jobs.Wait() }()

	cases := map[string]protocol.RestoreRequest{
		"other backup": {AgentID: "A1", BackupName: "b2", FragmentID: "data"},
		"other agent":  {AgentID: "A2", BackupName: "b1", FragmentID: "data"},
		"unknown":      {AgentID: "A1", BackupName: "b1", FragmentID: "ghost"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			conn := h.dial(t, protocol.MagicRestoreData)
			writeAll(t, conn, req)
			if ack := readAck(t, conn); ack.Success || ack.Message == "" {
				t.Fatalf("expected failed ack with message, got %+v", ack)
			}
		})
	}
}

func TestServer_CorruptedStoredFileAbortsRestore(t *testing.T) {
	h := newHarness(t)
	seedFragment(t, h, []byte("restore"))
	// Conteúdo alterado depois do backup: o sidecar não confere mais.
	if err := h.store.WriteFile(context.Background(), "DEFAULT/b1/A1/data/data/dump.bin", []byte("tampered")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	j := &restoreJob{name: "b1", files: h.files, release: make(chan struct{})}
	startJob(t, h, j)
	defer func() { close(j.release); h.jobs.Wait() }()

	conn := h.dial(t, protocol.MagicRestoreData)
	writeAll(t, conn, protocol.RestoreRequest{AgentID: "A1", BackupName: "b1", FragmentID: "data"})
	for {
		msg, err := protocol.ReadDataMessage(conn)
		if err != nil {
			t.Fatalf("ReadDataMessage: %v", err)
		}
		if _, end := msg.(protocol.DataEnd); end {
			t.Fatal("corrupted fragment must not complete")
		}
		if ack, ok := msg.(protocol.DataAck); ok {
			if ack.Success {
				t.Fatal("expected failed ack")
			}
			return
		}
	}
}

func TestStreamRegistry_SkipsCollisions(t *testing.T) {
	r := NewStreamRegistry()
	ids := []string{"s1", "s1", "s2"}
	r.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first := r.Allocate()
	second := r.Allocate()
	if first != "s1" || second != "s2" {
		t.Fatalf("expected s1 and s2, got %s and %s", first, second)
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 active streams, got %d", r.Len())
	}
	r.Release(first)
	if r.Len() != 1 {
		t.Errorf("expected 1 active stream, got %d", r.Len())
	}
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	repo := agents.NewRepository(testLogger())
	srv := New(Options{Agents: repo, Jobs: job.NewExecutor(testLogger()), Store: store,
		Sender: restore.NewSender(store, 0, 0, testLogger()), Logger: testLogger()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	protocol.WritePreamble(conn, protocol.MagicControl)
	protocol.WriteControlMessage(conn, protocol.Register{AgentID: "A1", APIVersion: protocol.APIVersion2})
	eventually(t, "agent registered", func() bool { return repo.Len() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if repo.Len() != 0 {
		t.Errorf("sessions must be closed on shutdown, %d left", repo.Len())
	}
	if srv.ActiveConnections() != 0 {
		t.Errorf("expected no active connections, got %d", srv.ActiveConnections())
	}
}
