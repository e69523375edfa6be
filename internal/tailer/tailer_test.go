package tailer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/akarpov/logutil/internal/parser"
	"github.com/akarpov/logutil/internal/store"
)

const (
	testPattern = `^(\S+) - - \[([^\]]+)\] "((\S+) (\S+))[^"]*" (\S+) (\S+) (\S+) "([^"]*)"`
	testLayout  = "02/Jan/2006:15:04:05 -0700"
)

func logLine(ip, url string, status int) string {
	return fmt.Sprintf(`%s - - [10/Oct/2023:13:55:36 +0000] "GET %s HTTP/1.1" %d 512 0.05 "test"`, ip, url, status)
}

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func appendLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			t.Fatal(err)
		}
	}
}

func newTailer(t *testing.T, path string, mode Mode, lastN int) (*Tailer, *store.DB) {
	t.Helper()
	p, err := parser.New(testPattern, testLayout)
	if err != nil {
		t.Fatal(err)
	}
	db := store.New(10_000, nil)
	tl := New(Config{Path: path, Mode: mode, LastN: lastN}, p, db, nil)
	return tl, db
}

func TestInitReplayAll(t *testing.T) {
	path := writeLog(t,
		logLine("ip1", "/a", 200),
		logLine("ip2", "/b", 200),
	)
	tl, db := newTailer(t, path, ModeAll, 0)

	if err := tl.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	s := db.GetStats()
	if s.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", s.TotalRequests)
	}
	if s.UniqueIPs != 2 {
		t.Errorf("UniqueIPs = %d, want 2", s.UniqueIPs)
	}
	top := db.TopIPs(2)
	if len(top) != 2 {
		t.Fatalf("TopIPs = %d entries, want 2", len(top))
	}
	ips := map[string]bool{top[0].Key: true, top[1].Key: true}
	if !ips["ip1"] || !ips["ip2"] {
		t.Errorf("TopIPs = %+v, want ip1 and ip2", top)
	}
	if tl.Cursor() != 2 {
		t.Errorf("cursor = %d, want 2", tl.Cursor())
	}
}

func TestInitTailThenPollNewLines(t *testing.T) {
	path := writeLog(t,
		logLine("old1", "/x", 200),
		logLine("old2", "/x", 200),
	)
	tl, db := newTailer(t, path, ModeTail, 0)

	if err := tl.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("tail mode ingested %d records, want 0", db.Len())
	}
	if tl.Cursor() != 2 {
		t.Fatalf("cursor = %d, want 2", tl.Cursor())
	}

	appendLog(t, path,
		logLine("new1", "/y", 200),
		logLine("new2", "/y", 200),
		logLine("new3", "/y", 200),
	)

	if err := tl.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if db.Len() != 3 {
		t.Errorf("ingested %d records, want exactly 3", db.Len())
	}
	if tl.Cursor() != 5 {
		t.Errorf("cursor = %d, want 5", tl.Cursor())
	}
	if len(db.FindByIP("old1")) != 0 {
		t.Error("pre-existing lines must not be ingested in tail mode")
	}
}

func TestInitReplayLastN(t *testing.T) {
	path := writeLog(t,
		logLine("first", "/a", 200),
		logLine("second", "/b", 200),
	)
	tl, db := newTailer(t, path, ModeLastN, 1)

	if err := tl.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if db.Len() != 1 {
		t.Fatalf("ingested %d records, want 1", db.Len())
	}
	if len(db.FindByIP("second")) != 1 {
		t.Error("the file's final line should be the one ingested")
	}
	if len(db.FindByIP("first")) != 0 {
		t.Error("earlier lines must not be ingested with last-n=1")
	}
}

func TestInitLastNLargerThanFile(t *testing.T) {
	path := writeLog(t, logLine("only", "/a", 200))
	tl, db := newTailer(t, path, ModeLastN, 100)

	if err := tl.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if db.Len() != 1 {
		t.Errorf("ingested %d records, want 1", db.Len())
	}
}

func TestPollNoNewLinesIsNoop(t *testing.T) {
	path := writeLog(t, logLine("ip1", "/a", 200))
	tl, db := newTailer(t, path, ModeAll, 0)

	if err := tl.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := db.GetStats().TotalRequests

	if err := tl.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := db.GetStats().TotalRequests; got != before {
		t.Errorf("TotalRequests changed %d -> %d on empty poll", before, got)
	}
}

func TestMalformedLinesNeverChangeTotals(t *testing.T) {
	path := writeLog(t,
		"complete garbage, no structure at all",
		logLine("good", "/a", 200),
		"another unparsable line",
	)
	tl, db := newTailer(t, path, ModeAll, 0)

	if err := tl.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if db.GetStats().TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (garbage dropped)", db.GetStats().TotalRecords)
	}
	// The cursor still covers every line, parsed or not.
	if tl.Cursor() != 3 {
		t.Errorf("cursor = %d, want 3", tl.Cursor())
	}
}

func TestPollMissingFileIsError(t *testing.T) {
	tl, _ := newTailer(t, filepath.Join(t.TempDir(), "gone.log"), ModeTail, 0)
	if err := tl.Poll(context.Background()); err == nil {
		t.Error("expected error polling a missing file")
	}
}

func TestPollAfterTruncationResetsCursor(t *testing.T) {
	path := writeLog(t,
		logLine("a", "/1", 200),
		logLine("b", "/2", 200),
		logLine("c", "/3", 200),
	)
	tl, db := newTailer(t, path, ModeAll, 0)
	if err := tl.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(logLine("d", "/4", 200)+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := tl.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if tl.Cursor() != 1 {
		t.Errorf("cursor = %d after truncation, want 1", tl.Cursor())
	}
	// No replayed or phantom records from the truncated body.
	if db.GetStats().TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", db.GetStats().TotalRequests)
	}
}

func TestChunkedProcessingCrossesChunkBoundary(t *testing.T) {
	lines := make([]string, 0, 2500)
	for i := 0; i < 2500; i++ {
		lines = append(lines, logLine(fmt.Sprintf("10.0.0.%d", i%200), "/bulk", 200))
	}
	path := writeLog(t, lines...)

	tl, db := newTailer(t, path, ModeAll, 0)
	if err := tl.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if db.GetStats().TotalRequests != 2500 {
		t.Errorf("TotalRequests = %d, want 2500", db.GetStats().TotalRequests)
	}
	if tl.Cursor() != 2500 {
		t.Errorf("cursor = %d, want 2500", tl.Cursor())
	}
}

func TestProgressReportedDuringBackfill(t *testing.T) {
	lines := make([]string, 0, 3000)
	for i := 0; i < 3000; i++ {
		lines = append(lines, logLine("1.1.1.1", "/p", 200))
	}
	path := writeLog(t, lines...)

	p, err := parser.New(testPattern, testLayout)
	if err != nil {
		t.Fatal(err)
	}
	db := store.New(10_000, nil)

	var reports []float64
	tl := New(Config{
		Path: path,
		Mode: ModeAll,
		Progress: func(pct float64) {
			reports = append(reports, pct)
		},
	}, p, db, nil)

	if err := tl.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reports) == 0 {
		t.Fatal("no progress reported")
	}
	last := reports[len(reports)-1]
	if last != 100 {
		t.Errorf("final progress = %f, want 100", last)
	}
	for _, pct := range reports {
		if pct < 0 || pct > 100 {
			t.Errorf("progress %f outside [0, 100]", pct)
		}
	}
}

func TestParseModeStrings(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Mode
	}{
		{"all", ModeAll},
		{"last-n", ModeLastN},
		{"tail", ModeTail},
	} {
		got, err := ParseMode(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v", tt.in, got, err)
		}
		if got.String() != tt.in {
			t.Errorf("Mode(%v).String() = %q, want %q", got, got.String(), tt.in)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
