package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layoutfixd/internal/config"
	"layoutfixd/internal/logging"
	"layoutfixd/internal/security"
	"layoutfixd/internal/store"
)

const testToken = "123456:TEST-token"

func resetFlags() {
	configPath, logLevel, logFormat = "", "", ""
	keepCase, fixReverse, scoreWords, scoreJSON = false, false, "", false
	initForce, showFormat = false, "toml"
	noWatch = false
	repliesLimit, repliesJSON = 20, false
	statusJSON = false
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeWords(t *testing.T, words ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(words, "\n")+"\n"), 0600))
	return path
}

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "config.toml")
}

func TestFixCommand(t *testing.T) {
	out, err := execute(t, "", "--config", missingConfig(t), "fix", "Ghbdtn", "vbh!")
	require.NoError(t, err)
	assert.Equal(t, "привет мир!\n", out)
}

func TestFixCommandKeepCase(t *testing.T) {
	out, err := execute(t, "", "--config", missingConfig(t), "fix", "--keep-case", "Ghbdtn")
	require.NoError(t, err)
	assert.Equal(t, "Gривет\n", out, "uppercase letters are outside the layout table")
}

func TestFixCommandStdin(t *testing.T) {
	out, err := execute(t, "ghbdtn\nvbh\n", "--config", missingConfig(t), "fix")
	require.NoError(t, err)
	assert.Equal(t, "привет\nмир\n", out)
}

func TestFixCommandReverse(t *testing.T) {
	out, err := execute(t, "", "--config", missingConfig(t), "fix", "--reverse", "Привет", "мир")
	require.NoError(t, err)
	assert.Equal(t, "ghbdtn vbh\n", out)

	out, err = execute(t, "привет\n", "--config", missingConfig(t), "fix", "-r")
	require.NoError(t, err)
	assert.Equal(t, "ghbdtn\n", out)
}

func TestScoreCommand(t *testing.T) {
	words := writeWords(t, "привет", "мир")

	out, err := execute(t, "", "--config", missingConfig(t), "score", "--words", words, "ghbdtn", "vbh")
	require.NoError(t, err)
	assert.Contains(t, out, "score:     1.000")
	assert.Contains(t, out, `verdict:   reply "привет мир"`)

	out, err = execute(t, "", "--config", missingConfig(t), "score", "--words", words, "привет")
	require.NoError(t, err)
	assert.Contains(t, out, "exempt")
}

func TestScoreCommandJSON(t *testing.T) {
	words := writeWords(t, "привет")

	out, err := execute(t, "", "--config", missingConfig(t), "score", "--json", "--words", words, "ghbdtn", "xyz")
	require.NoError(t, err)

	var report scoreReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Exempt)
	assert.InDelta(t, 0.5, report.Ratio, 1e-9)
	assert.Equal(t, "привет чня", report.Reply)
	require.Len(t, report.Tokens, 2)
	assert.True(t, report.Tokens[0].Matched)
	assert.False(t, report.Tokens[1].Matched)
}

func TestScoreCommandMissingDictionary(t *testing.T) {
	_, err := execute(t, "", "--config", missingConfig(t), "score", "--words", filepath.Join(t.TempDir(), "nope"), "ghbdtn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load dictionary")
}

func TestConfigInitCreatesDirectory(t *testing.T) {
	t.Setenv("LAYOUTFIXD_DATA_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "etc", "layoutfixd", "config.yaml")

	out, err := execute(t, "", "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "poll_interval_ms: 1000")
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layoutfixd.toml")

	out, err := execute(t, "", "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "", "--config", path, "config", "init")
	require.Error(t, err, "init must not overwrite without --force")
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "", "--config", path, "config", "init", "--force")
	require.NoError(t, err)

	out, err = execute(t, "", "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	out, err = execute(t, "", "--config", path, "config", "show", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "poll_interval_ms: 1000")

	require.NoError(t, os.WriteFile(path, []byte("[layout]\nthreshold = 2.0\n"), 0600))
	out, err = execute(t, "", "--config", path, "config", "validate")
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
	assert.Contains(t, out, "layout.threshold")
}

func TestRepliesCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "layoutfixd.db")

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, db.MarkReplied(ctx, store.Reply{
			Sequence:       seq,
			ConversationID: 42,
			MessageID:      seq * 10,
			Text:           "привет",
			SentAt:         time.Unix(1700000000+seq, 0),
		}))
	}
	require.NoError(t, db.Close())

	cfg := config.DefaultConfig()
	cfg.Storage.Path = dbPath
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveConfig(cfg, path))

	out, err := execute(t, "", "--config", path, "replies", "--json", "--limit", "2")
	require.NoError(t, err)

	var entries []replyEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Sequence)
	assert.Equal(t, int64(30), entries[0].MessageID)

	out, err = execute(t, "", "--config", path, "replies")
	require.NoError(t, err)
	assert.Contains(t, out, "UPDATE")
	assert.Contains(t, out, "привет")

	cfg.Storage.Type = "memory"
	require.NoError(t, config.SaveConfig(cfg, path))
	_, err = execute(t, "", "--config", path, "replies")
	require.Error(t, err)
}

func TestPruneLedger(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "layoutfixd.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	for seq := int64(1); seq <= 4; seq++ {
		require.NoError(t, db.MarkReplied(ctx, store.Reply{Sequence: seq, ConversationID: 1, MessageID: seq, Text: "x", SentAt: time.Now()}))
	}

	logger := logging.Discard()
	pruneLedger(ctx, db, 2, logger)

	for seq, want := range map[int64]bool{1: false, 2: false, 3: true, 4: true} {
		got, err := db.HasReplied(ctx, seq)
		require.NoError(t, err)
		assert.Equal(t, want, got, "seq %d", seq)
	}

	// Memory stores keep no ledger on disk and are left alone.
	pruneLedger(ctx, store.NewMemory(), 10, logger)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "layoutfixd "+version))
}

// botAPI is a minimal Bot API that delivers one scripted update.
type botAPI struct {
	mu       sync.Mutex
	sent     []sentMessage
	offsets  []int64
	getMe    int
	advanced chan struct{}
	once     sync.Once
}

type sentMessage struct {
	chatID, replyTo string
	text            string
}

func newBotAPI() *botAPI {
	return &botAPI{advanced: make(chan struct{})}
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/bot" + testToken + "/getMe":
		b.mu.Lock()
		b.getMe++
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"fix","username":"layoutfix_bot"}}`))

	case "/bot" + testToken + "/getUpdates":
		offset, _ := strconv.ParseInt(r.Form.Get("offset"), 10, 64)
		b.mu.Lock()
		b.offsets = append(b.offsets, offset)
		b.mu.Unlock()

		if offset <= 5 {
			_, _ = w.Write([]byte(`{"ok":true,"result":[
				{"update_id":4,"message":{"message_id":6,"date":1700000000,"chat":{"id":42},"text":"привет"}},
				{"update_id":5,"message":{"message_id":7,"date":1700000001,"chat":{"id":42},"text":"Ghbdtn"}}
			]}`))
			return
		}
		b.once.Do(func() { close(b.advanced) })
		_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))

	case "/bot" + testToken + "/sendMessage":
		b.mu.Lock()
		b.sent = append(b.sent, sentMessage{r.Form.Get("chat_id"), r.Form.Get("reply_to_message_id"), r.Form.Get("text")})
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":100,"chat":{"id":42}}}`))

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func daemonConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	tokenFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte(testToken+"\n"), 0600))

	cfg := config.DefaultConfig()
	cfg.Telegram.APIBaseURL = apiURL
	cfg.Telegram.TokenFile = tokenFile
	cfg.Telegram.PollIntervalMs = 10
	cfg.Telegram.RequestTimeoutSec = 5
	cfg.Dictionary.WordsFile = writeWords(t, "привет", "мир")
	cfg.Storage.Type = "sqlite"
	cfg.Storage.Path = filepath.Join(dir, "data", "layoutfixd.db")
	cfg.Logging.Level = "error"
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	cfg.Daemon.LockFile = filepath.Join(dir, "run", "layoutfixd.lock")
	cfg.Daemon.CrashDir = filepath.Join(dir, "crashes")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "layoutfixd.db")
	crashDir := filepath.Join(dir, "crashes")
	logPath := filepath.Join(dir, "layoutfixd.log")

	cfg := config.DefaultConfig()
	cfg.Storage.Path = dbPath
	cfg.Daemon.CrashDir = crashDir
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = logPath
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveConfig(cfg, path))

	// Before the daemon ever ran, nothing is created.
	out, err := execute(t, "", "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "not created yet")
	assert.Contains(t, out, "crashes:    none")
	assert.NoFileExists(t, dbPath)

	ctx := context.Background()
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.SaveCursor(ctx, 17))
	require.NoError(t, db.MarkReplied(ctx, store.Reply{
		Sequence: 17, ConversationID: 42, MessageID: 170, Text: "привет мир", SentAt: time.Unix(1700000000, 0),
	}))
	require.NoError(t, db.Close())

	require.NoError(t, os.WriteFile(logPath, []byte("{}\n"), 0600))
	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{CrashDir: crashDir, Logger: logging.Discard()})
	crash.HandlePanic("dispatcher bug", map[string]any{"update_id": 18})

	out, err = execute(t, "", "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "schema v2")
	assert.Contains(t, out, "cursor:     17")
	assert.Contains(t, out, "привет мир")
	assert.Contains(t, out, "log file:   "+logPath)
	assert.Contains(t, out, "crashes:    1")
	assert.Contains(t, out, "dispatcher bug")

	out, err = execute(t, "", "--config", path, "status", "--json")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.SchemaVersion)
	assert.Equal(t, int64(17), report.Cursor)
	require.NotNil(t, report.LastReply)
	assert.Equal(t, int64(170), report.LastReply.MessageID)
	assert.Equal(t, []string{logPath}, report.LogFiles)
	require.Len(t, report.Crashes, 1)
	assert.Equal(t, crashDir, filepath.Dir(report.Crashes[0].Path))
}

func TestStatusCommandMemoryStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "memory"
	cfg.Daemon.CrashDir = ""
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, config.SaveConfig(cfg, path))

	out, err := execute(t, "", "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "memory (nothing persisted)")
}

func TestServeRepliesAndPersistsCursor(t *testing.T) {
	api := newBotAPI()
	srv := httptest.NewServer(api)
	defer srv.Close()

	cfg := daemonConfig(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, nil) }()

	select {
	case <-api.advanced:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("cursor never advanced past the batch")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}

	api.mu.Lock()
	sent := append([]sentMessage(nil), api.sent...)
	offsets := append([]int64(nil), api.offsets...)
	getMe := api.getMe
	api.mu.Unlock()

	assert.Equal(t, 1, getMe)
	require.Len(t, sent, 1, "only the mismatched message is answered")
	assert.Equal(t, sentMessage{"42", "7", "привет"}, sent[0])
	assert.Equal(t, int64(1), offsets[0], "first fetch asks for everything after 0")
	assert.Contains(t, offsets, int64(6))

	db, err := store.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer db.Close()

	cursor, err := db.LoadCursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor)

	replied, err := db.HasReplied(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, replied)
}

func TestServeRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	cfg := daemonConfig(t, srv.URL)
	err := serve(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.NotContains(t, err.Error(), testToken)
}

func TestServeLockHeld(t *testing.T) {
	cfg := daemonConfig(t, "http://127.0.0.1:1")

	lock, err := security.AcquireLock(cfg.Daemon.LockFile)
	require.NoError(t, err)
	defer lock.Release()

	err = serve(context.Background(), cfg, nil)
	require.ErrorIs(t, err, security.ErrLocked)
}

func TestServeInsecureToken(t *testing.T) {
	cfg := daemonConfig(t, "http://127.0.0.1:1")
	require.NoError(t, os.Chmod(cfg.Telegram.TokenFile, 0644))

	err := serve(context.Background(), cfg, nil)
	require.ErrorIs(t, err, security.ErrInsecurePermissions)
}
