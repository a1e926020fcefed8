package bridge

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

const fakeEngineEnv = "BRIDGE_FAKE_ENGINE"

// TestMain lets the test binary double as the engine subprocess.
func TestMain(m *testing.M) {
	if os.Getenv(fakeEngineEnv) == "1" {
		runFakeEngine()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func fakeSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return NewSupervisor(os.Args[0], []string{"--api"}, WithEnv(fakeEngineEnv+"=1"), WithKillTimeout(3*time.Second))
}

// runFakeEngine speaks the line protocol with canned answers. Replies to
// "move" are written in two pieces to split the JSON line across reads.
func runFakeEngine() {
	api := false
	for _, a := range os.Args[1:] {
		if a == "--api" {
			api = true
		}
	}
	if !api {
		fmt.Fprintln(os.Stderr, "missing --api")
		os.Exit(2)
	}

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "newgame":
			fmt.Println("debug: resetting board")
			fmt.Println(`{"status":"new_game_started"}`)
		case "move":
			os.Stdout.WriteString(`{"status":"mo`)
			time.Sleep(20 * time.Millisecond)
			os.Stdout.WriteString("ve_ok\"}\n")
		case "search":
			fmt.Println(`{"eval":35,"bestmove":"e2e4","topMoves":[{"score":35,"line":["e2e4","e7e5"]}]}`)
		case "stderr":
			fmt.Fprintln(os.Stderr, "engine diagnostic")
		case "exit":
			code := 0
			if len(fields) > 1 {
				fmt.Sscanf(fields[1], "%d", &code)
			}
			os.Exit(code)
		case "hang":
			time.Sleep(time.Hour)
		default:
			fmt.Println(`{"status":"error","message":"unknown command"}`)
		}
	}
}
