package dpdk

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// shortDir returns a temp dir short enough for unix socket paths
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dx")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func listenPacket(t *testing.T, path string) *net.UnixListener {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create socket dir: %v", err)
	}
	l, err := net.ListenUnix(socketNetwork, &net.UnixAddr{Name: path, Net: socketNetwork})
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", path, err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// v2Engine answers v2 commands from a fixed reply table
type v2Engine struct {
	greeting string
	replies  map[string]string

	mu       sync.Mutex
	commands []string
	closed   int
}

func startV2Engine(t *testing.T, path string, replies map[string]string) *v2Engine {
	t.Helper()
	e := &v2Engine{
		greeting: `{"version": "DPDK 22.11.0", "pid": 4242, "max_output_len": 16384}`,
		replies:  replies,
	}
	l := listenPacket(t, path)
	go func() {
		for {
			conn, err := l.AcceptUnix()
			if err != nil {
				return
			}
			go e.serve(conn)
		}
	}()
	return e
}

func (e *v2Engine) serve(conn *net.UnixConn) {
	defer func() {
		conn.Close()
		e.mu.Lock()
		e.closed++
		e.mu.Unlock()
	}()

	if _, err := conn.Write([]byte(e.greeting)); err != nil {
		return
	}

	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			return
		}
		command := string(buf[:n])

		e.mu.Lock()
		e.commands = append(e.commands, command)
		e.mu.Unlock()

		reply, ok := e.replies[command]
		if !ok {
			reply = `{"` + replyKey(command) + `": null}`
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (e *v2Engine) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

func (e *v2Engine) Closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// legacyEngine implements the registration handshake and answers
// ports_all_stat_values over the reverse connection
type legacyEngine struct {
	reply string

	mu              sync.Mutex
	registrations   []string
	unregistrations []string
	queries         int
}

func startLegacyEngine(t *testing.T, path, reply string) *legacyEngine {
	t.Helper()
	e := &legacyEngine{reply: reply}
	l := listenPacket(t, path)
	go func() {
		for {
			conn, err := l.AcceptUnix()
			if err != nil {
				return
			}
			go e.serve(conn)
		}
	}()
	return e
}

type legacyMessage struct {
	Action  int             `json:"action"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

func (e *legacyEngine) serve(conn *net.UnixConn) {
	defer conn.Close()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			return
		}

		var msg legacyMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			return
		}
		if msg.Action != actionRegister {
			continue
		}

		var data clientPathData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		e.mu.Lock()
		e.registrations = append(e.registrations, data.ClientPath)
		e.mu.Unlock()

		back, err := net.DialUnix(socketNetwork, nil, &net.UnixAddr{Name: data.ClientPath, Net: socketNetwork})
		if err != nil {
			return
		}
		go e.serveClient(back)
	}
}

func (e *legacyEngine) serveClient(conn *net.UnixConn) {
	defer conn.Close()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			return
		}

		var msg legacyMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			return
		}

		switch msg.Action {
		case actionQuery:
			e.mu.Lock()
			e.queries++
			e.mu.Unlock()
			if _, err := conn.Write([]byte(e.reply)); err != nil {
				return
			}
		case actionUnregister:
			var data clientPathData
			_ = json.Unmarshal(msg.Data, &data)
			e.mu.Lock()
			e.unregistrations = append(e.unregistrations, data.ClientPath)
			e.mu.Unlock()
			return
		}
	}
}

func (e *legacyEngine) Registrations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.registrations...)
}

func (e *legacyEngine) Unregistrations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.unregistrations...)
}

func (e *legacyEngine) Queries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queries
}
