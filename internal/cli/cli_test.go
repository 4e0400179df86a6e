package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/forumspy/internal/config"
	"github.com/ppiankov/forumspy/internal/dispatch"
	"github.com/ppiankov/forumspy/internal/forum"
	"github.com/ppiankov/forumspy/internal/message"
)

func postHTML(id, author, body string) string {
	return fmt.Sprintf(`<div id="%[1]s" class="post">
  <div class="post-header"><h3><a class="member" href="/members/%[2]s">%[2]s</a></h3></div>
  <div class="post-body"><div class="message-content">%[3]s</div></div>
  <div class="post-footer">
    <p><span class="changeabletime" title="2021-03-04 05:06:07">then</span></p>
    <ul class="utils"><li class="permalink"><a href="/forum/Fan/General/Thread/?page=1#%[1]s">#</a></li></ul>
  </div>
</div>`, id, author, body)
}

// newForum serves a spy listing with one post and a message page for it.
func newForum(t *testing.T) *httptest.Server {
	t.Helper()
	listing, err := forum.EncodeListing([]forum.Entry{{ID: "post11", HTML: postHTML("post11", "alice", "Hello from the forum")}})
	if err != nil {
		t.Fatalf("encode listing: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/forum/spy.ajax":
			_, _ = w.Write(listing)
		case "/forum/message/5":
			fmt.Fprintf(w, "<html><body>%s</body></html>", postHTML("post5", "bob", "captured <i>post</i>"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// useConfig writes config.yaml into a fresh config dir and points the
// commands at it.
func useConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.DefaultConfigFile), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	oldConfigDir := configDir
	t.Cleanup(func() { configDir = oldConfigDir })
	configDir = dir
	return dir
}

func forumConfig(root string) string {
	return fmt.Sprintf(`
forum:
  root: %s
  timezone: UTC
  resolve_names: false
poll:
  prime: false
destination:
  webhook_url_env: FORUMSPY_TEST_WEBHOOK
  retry:
    min_interval: 1ms
log:
  level: error
`, root)
}

func testCommand() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("open stdout pipe: %v", err)
	}

	os.Stdout = writer
	runErr := fn()
	_ = writer.Close()
	os.Stdout = oldStdout

	out, readErr := io.ReadAll(reader)
	_ = reader.Close()
	if readErr != nil {
		t.Fatalf("read stdout pipe: %v", readErr)
	}
	return string(out), runErr
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()

	if !strings.Contains(got, want) {
		t.Fatalf("expected output to contain %q, got:\n%s", want, got)
	}
}

func setRunFlags(t *testing.T, once, dryRun bool) {
	t.Helper()
	oldOnce, oldDry, oldNoPrime := runOnce, runDryRun, runNoPrime
	t.Cleanup(func() { runOnce, runDryRun, runNoPrime = oldOnce, oldDry, oldNoPrime })
	runOnce, runDryRun, runNoPrime = once, dryRun, false
}

type recordingDispatcher struct {
	sent []message.Message
}

func (d *recordingDispatcher) Send(_ context.Context, msg message.Message) error {
	d.sent = append(d.sent, msg)
	return nil
}

// --- run ---

func TestRunOnceDryRunLeavesStateAlone(t *testing.T) {
	srv := newForum(t)
	dir := useConfig(t, forumConfig(srv.URL))
	setRunFlags(t, true, true)

	out, err := captureStdout(t, func() error { return runAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	requireContains(t, out, `"source_id":"post11"`)
	requireContains(t, out, `"body":"Hello from the forum"`)
	requireContains(t, out, "1 sent")

	data, err := os.ReadFile(filepath.Join(dir, config.DefaultFilePath))
	if err == nil && strings.Contains(string(data), "post11") {
		t.Errorf("dry run recorded a delivery:\n%s", data)
	}
}

func TestRunOnceDryRunKeepsCorruptStore(t *testing.T) {
	srv := newForum(t)
	dir := useConfig(t, strings.Replace(forumConfig(srv.URL), "prime: false", "prime: true", 1))
	setRunFlags(t, true, true)

	path := filepath.Join(dir, config.DefaultFilePath)
	corrupt := []byte("garbage\x00\npost11\n")
	if err := os.WriteFile(path, corrupt, 0o644); err != nil {
		t.Fatalf("write store: %v", err)
	}

	out, err := captureStdout(t, func() error { return runAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// A reset store means unknown history, so the listing is sent, not primed.
	requireContains(t, out, "1 sent")
	requireContains(t, out, "0 primed")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	if string(data) != string(corrupt) {
		t.Errorf("dry run changed the store:\n%q", data)
	}
}

func TestRunOnceDeliversAndRecords(t *testing.T) {
	srv := newForum(t)
	useConfig(t, forumConfig(srv.URL))
	setRunFlags(t, true, false)

	rec := &recordingDispatcher{}
	oldDispatcher := newRelayDispatcher
	t.Cleanup(func() { newRelayDispatcher = oldDispatcher })
	newRelayDispatcher = func(*config.Config, logrus.FieldLogger) (dispatch.Dispatcher, error) {
		return rec, nil
	}

	if _, err := captureStdout(t, func() error { return runAction(testCommand(), nil) }); err != nil {
		t.Fatalf("first run: %v", err)
	}
	out, err := captureStdout(t, func() error { return runAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	requireContains(t, out, "0 sent, 1 already delivered")

	if len(rec.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(rec.sent))
	}
	if rec.sent[0].Title != "alice" || rec.sent[0].Timestamp != "2021-03-04T05:06:07Z" {
		t.Errorf("message = %+v", rec.sent[0])
	}

	oldFormat, oldRecent := statusFormat, statusRecent
	t.Cleanup(func() { statusFormat, statusRecent = oldFormat, oldRecent })
	statusFormat, statusRecent = "json", 5

	out, err = captureStdout(t, func() error { return statusAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st deliveryStatus
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status json: %v\n%s", err, out)
	}
	if st.Count != 1 || len(st.Recent) != 1 || st.Recent[0] != "post11" {
		t.Errorf("status = %+v", st)
	}
}

func TestRunRequiresWebhook(t *testing.T) {
	srv := newForum(t)
	useConfig(t, forumConfig(srv.URL))
	setRunFlags(t, true, false)
	t.Setenv("FORUMSPY_TEST_WEBHOOK", "")

	_, err := captureStdout(t, func() error { return runAction(testCommand(), nil) })
	if err == nil || !strings.Contains(err.Error(), "FORUMSPY_TEST_WEBHOOK") {
		t.Fatalf("err = %v, want missing webhook error", err)
	}
}

// --- fixtures ---

func copyHarnessFixture(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"hello.ajax", "hello.golden.json"} {
		data, err := os.ReadFile(filepath.Join("..", "harness", "testdata", "fixtures", name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

// defaultZoneConfig leaves forum.timezone at its default, the zone the
// bundled fixtures were recorded in.
func defaultZoneConfig() string {
	return strings.Replace(forumConfig("https://forum.starmen.net"), "  timezone: UTC\n", "", 1)
}

func TestFixtureTestPasses(t *testing.T) {
	dir := useConfig(t, defaultZoneConfig())
	copyHarnessFixture(t, filepath.Join(dir, config.DefaultFixturesDir))

	oldNoColor := fixtureNoColor
	t.Cleanup(func() { fixtureNoColor = oldNoColor })
	fixtureNoColor = true

	out, err := captureStdout(t, func() error { return fixtureTestAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("fixture test: %v\n%s", err, out)
	}
	requireContains(t, out, "PASS hello")
	requireContains(t, out, "1 fixtures, 1 passed, 0 failed")
}

func TestFixtureTestFailsOnMismatch(t *testing.T) {
	dir := useConfig(t, defaultZoneConfig())
	fixtures := filepath.Join(dir, config.DefaultFixturesDir)
	copyHarnessFixture(t, fixtures)

	golden := filepath.Join(fixtures, "hello.golden.json")
	data, err := os.ReadFile(golden)
	if err != nil {
		t.Fatalf("read golden: %v", err)
	}
	mutated := strings.Replace(string(data), "Hello world", "Goodbye world", 1)
	if err := os.WriteFile(golden, []byte(mutated), 0o644); err != nil {
		t.Fatalf("write golden: %v", err)
	}

	oldNoColor := fixtureNoColor
	t.Cleanup(func() { fixtureNoColor = oldNoColor })
	fixtureNoColor = true

	out, err := captureStdout(t, func() error { return fixtureTestAction(testCommand(), nil) })
	if err == nil {
		t.Fatal("expected failure")
	}
	requireContains(t, out, "FAIL hello")
	requireContains(t, out, "message 0 body")
}

func TestFixtureAddListDelete(t *testing.T) {
	srv := newForum(t)
	useConfig(t, forumConfig(srv.URL))

	out, err := captureStdout(t, func() error {
		return fixtureAddAction(testCommand(), []string{"captured", "5"})
	})
	if err != nil {
		t.Fatalf("fixture add: %v", err)
	}
	requireContains(t, out, "Added fixture captured: 1 posts, 1 messages.")

	out, err = captureStdout(t, func() error { return fixtureListAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("fixture list: %v", err)
	}
	requireContains(t, out, "captured")
	requireContains(t, out, "1 messages")

	oldAll := fixtureAll
	t.Cleanup(func() { fixtureAll = oldAll })
	fixtureAll = true
	out, err = captureStdout(t, func() error { return fixtureUpdateAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("fixture update: %v", err)
	}
	requireContains(t, out, "updated: captured (1 messages)")

	out, err = captureStdout(t, func() error {
		return fixtureDeleteAction(testCommand(), []string{"captured"})
	})
	if err != nil {
		t.Fatalf("fixture delete: %v", err)
	}
	requireContains(t, out, "deleted: captured")

	out, err = captureStdout(t, func() error { return fixtureListAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("fixture list: %v", err)
	}
	requireContains(t, out, "No fixtures.")
}

func TestFixtureAddRejectsBadNumber(t *testing.T) {
	useConfig(t, forumConfig("https://forum.starmen.net"))
	if err := fixtureAddAction(testCommand(), []string{"x", "five"}); err == nil {
		t.Fatal("expected error")
	}
}

// --- init, doctor ---

func TestInitCreatesLoadableConfig(t *testing.T) {
	oldConfigDir := configDir
	t.Cleanup(func() { configDir = oldConfigDir })
	configDir = filepath.Join(t.TempDir(), "spy")

	out, err := captureStdout(t, func() error { return initAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	requireContains(t, out, "with 2 config files")

	if _, err := config.Load(configDir); err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if info, err := os.Stat(filepath.Join(configDir, config.DefaultFixturesDir)); err != nil || !info.IsDir() {
		t.Errorf("fixtures dir not created: %v", err)
	}

	out, err = captureStdout(t, func() error { return initAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	requireContains(t, out, "already initialized")
}

func TestDoctorPasses(t *testing.T) {
	useConfig(t, forumConfig("https://forum.starmen.net"))
	t.Setenv("FORUMSPY_TEST_WEBHOOK", "https://discord.example.com/api/webhooks/1/abc")

	oldOnline := doctorOnline
	t.Cleanup(func() { doctorOnline = oldOnline })
	doctorOnline = false

	out, err := captureStdout(t, func() error { return doctorAction(testCommand(), nil) })
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	requireContains(t, out, "[ OK ] webhook url from FORUMSPY_TEST_WEBHOOK")
	requireContains(t, out, "[ OK ] delivery store")
	requireContains(t, out, "All checks passed.")
}

func TestDoctorOnlineReportsMissingWebhook(t *testing.T) {
	srv := newForum(t)
	useConfig(t, forumConfig(srv.URL))
	t.Setenv("FORUMSPY_TEST_WEBHOOK", "")

	oldOnline := doctorOnline
	t.Cleanup(func() { doctorOnline = oldOnline })
	doctorOnline = true

	out, err := captureStdout(t, func() error { return doctorAction(testCommand(), nil) })
	if err == nil {
		t.Fatal("expected failure without webhook")
	}
	requireContains(t, out, "[FAIL] webhook")
	requireContains(t, out, "[ OK ] forum spy listing")
}

// --- wiring ---

func TestDestinationOverrides(t *testing.T) {
	attachments := 0
	empty := ""
	d := destination(config.DestinationConfig{
		Kind:             "slack",
		MaxBodyLength:    400,
		MaxAttachments:   &attachments,
		TruncationMarker: "…",
		EmptyBodyText:    &empty,
	})
	if d.MaxBodyLength != 400 || d.MaxAttachments != 0 || d.TruncationMarker != "…" || d.EmptyBodyText != "" {
		t.Errorf("destination = %+v", d)
	}
	if d.Strong != "*" {
		t.Errorf("strong = %q, want the slack preset", d.Strong)
	}

	d = destination(config.DestinationConfig{Kind: "discord"})
	if d.MaxBodyLength != 250 || d.MaxAttachments != 4 {
		t.Errorf("discord preset = %+v", d)
	}
}

func TestDestinationSmallLimitFits(t *testing.T) {
	d := destination(config.DestinationConfig{Kind: "discord", MaxBodyLength: 20})
	if d.EmptyBodyText != "" {
		t.Errorf("empty body text = %q, want it dropped", d.EmptyBodyText)
	}
	if d.SnipText == "" {
		t.Error("snip text dropped although it fits")
	}
	f, err := message.NewFormatter(d)
	if err != nil {
		t.Fatalf("new formatter: %v", err)
	}
	body := f.Format(forum.Post{ID: "post1", Author: "a", Segments: []forum.Segment{
		forum.Text{Text: "a body that is clearly longer than twenty runes"},
	}}).Body
	if n := len([]rune(body)); n > 20 {
		t.Errorf("body %q has %d runes", body, n)
	}

	text := "nothing here"
	d = destination(config.DestinationConfig{Kind: "discord", MaxBodyLength: 20, EmptyBodyText: &text})
	if d.EmptyBodyText != text {
		t.Errorf("explicit empty body text = %q", d.EmptyBodyText)
	}
}
