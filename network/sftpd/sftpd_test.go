package sftpd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"netconsole/protocol"
	"netconsole/protocol/prototest"
	"netconsole/storage"
)

func setup(t *testing.T) (string, *prototest.Conn, *Session) {
	t.Helper()
	dir := t.TempDir()
	root, err := storage.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { root.Close() })

	cfg := DefaultConfig()
	cfg.Storage = root
	svc := New(cfg, zerolog.Nop())

	conn := prototest.NewConn(1, 115, 1460)
	sess := svc.Open(conn).(*Session)
	sess.Appcall(conn.Event(protocol.Connected, ""))
	prototest.Pump(conn, sess, 10)
	if got := conn.Take(); got != Greeting+"\x00" {
		t.Fatalf("Expected greeting, got %q", got)
	}
	return dir, conn, sess
}

// send delivers data and returns the replies without their NUL terminators
func send(conn *prototest.Conn, sess *Session, data string) []string {
	sess.Appcall(conn.Event(protocol.NewData, data))
	prototest.Pump(conn, sess, 20)
	out := strings.TrimSuffix(conn.Take(), "\x00")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\x00")
}

func expectReplies(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected replies %q, got %q", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Reply %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSFTPRoundTrip(t *testing.T) {
	dir, conn, sess := setup(t)
	content := "G28\nG1 X10 Y10\nM114\n"

	expectReplies(t, send(conn, sess, "USER anyone\r\n"), "!user logged in")
	expectReplies(t, send(conn, sess, "STOR OLD job.gcode\r\n"), "+ new file")
	expectReplies(t, send(conn, sess, "SIZE 20\r\n"), "+ ok, waiting for file")
	if len(content) != 20 {
		t.Fatalf("bad fixture length %d", len(content))
	}

	// File bytes arrive in pieces
	expectReplies(t, send(conn, sess, content[:7]))
	expectReplies(t, send(conn, sess, content[7:]), "+ Saved file")

	data, err := os.ReadFile(filepath.Join(dir, "job.gcode"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Errorf("Expected stored file %q, got %q", content, data)
	}

	expectReplies(t, send(conn, sess, "DONE\r\n"), "+ exit")
	if !conn.IsClosed {
		t.Error("Expected close after DONE")
	}
}

func TestSFTPCommandsAfterFileInSameSegment(t *testing.T) {
	dir, conn, sess := setup(t)

	got := send(conn, sess, "STOR OLD a.txt\nSIZE 3\nabcUSER me\n")
	expectReplies(t, got, "+ new file", "+ ok, waiting for file", "+ Saved file", "!user logged in")

	data, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	if string(data) != "abc" {
		t.Errorf("Expected exactly the declared bytes, got %q", data)
	}
}

func TestSFTPAppend(t *testing.T) {
	dir, conn, sess := setup(t)
	if err := os.WriteFile(filepath.Join(dir, "log.txt"), []byte("one\n"), 0644); err != nil {
		t.Fatal(err)
	}

	expectReplies(t, send(conn, sess, "STOR APP log.txt\n"), "+ append file")
	expectReplies(t, send(conn, sess, "SIZE 4\ntwo\n"), "+ ok, waiting for file", "+ Saved file")

	data, _ := os.ReadFile(filepath.Join(dir, "log.txt"))
	if string(data) != "one\ntwo\n" {
		t.Errorf("Expected appended content, got %q", data)
	}
}

func TestSFTPPartialTransferLeavesFile(t *testing.T) {
	dir, conn, sess := setup(t)

	send(conn, sess, "STOR OLD part.gcode\nSIZE 100\n")
	expectReplies(t, send(conn, sess, "G28\n"))
	sess.Appcall(conn.Event(protocol.Closed, ""))

	data, err := os.ReadFile(filepath.Join(dir, "part.gcode"))
	if err != nil {
		t.Fatalf("Expected partial file to remain: %v", err)
	}
	if string(data) != "G28\n" {
		t.Errorf("Expected partial content, got %q", data)
	}
	if sess.file != nil {
		t.Error("Expected file closed on disconnect")
	}
}

func TestSFTPErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"unknown", "LIST\n", []string{"- Unknown command"}},
		{"stor incomplete", "STOR OLD\n", []string{"- incomplete STOR command"}},
		{"stor mode", "STOR NEW x.txt\n", []string{"- Only OLD|APP supported"}},
		{"stor escape", "STOR OLD ../x.txt\n", []string{"- failed"}},
		{"bad size", "STOR OLD x.txt\nSIZE 0\n", []string{"+ new file", "- bad filesize"}},
		{"not a number", "STOR OLD x.txt\nSIZE abc\n", []string{"+ new file", "- bad filesize"}},
		{"expected size", "STOR OLD x.txt\nUSER me\n", []string{"+ new file", "- Expected size"}},
		{"kill incomplete", "KILL\n", []string{"- incomplete KILL command"}},
		{"kill missing", "KILL nothere.txt\n", []string{"- delete failed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, conn, sess := setup(t)
			expectReplies(t, send(conn, sess, tt.input), tt.want...)
			if sess.State() != "connected" {
				t.Errorf("Expected back in connected state, got %s", sess.State())
			}
		})
	}
}

func TestSFTPKill(t *testing.T) {
	dir, conn, sess := setup(t)
	path := filepath.Join(dir, "old.gcode")
	if err := os.WriteFile(path, []byte("G28\n"), 0644); err != nil {
		t.Fatal(err)
	}

	expectReplies(t, send(conn, sess, "KILL old.gcode\n"), "+ deleted")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected file removed")
	}
}
