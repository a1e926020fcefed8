package uci

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"testing"
)

// TestMain turns the test binary into a tiny UCI engine when asked to.
func TestMain(m *testing.M) {
	if os.Getenv("UCI_FAKE_ENGINE") == "1" {
		fakeEngine()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func fakeEngine() {
	in := bufio.NewScanner(os.Stdin)
	var moves string
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		switch {
		case line == "uci":
			fmt.Println("id name fake")
			fmt.Println("uciok")
		case line == "isready":
			fmt.Println("readyok")
		case strings.HasPrefix(line, "position"):
			moves = line
		case strings.HasPrefix(line, "go"):
			if strings.HasSuffix(moves, "e2e4") {
				fmt.Println("info depth 1 multipv 1 score cp 20 pv e7e5 g1f3")
				fmt.Println("bestmove e7e5")
				continue
			}
			fmt.Println("info depth 1 multipv 1 score cp 10 pv d2d4")
			fmt.Println("info depth 2 multipv 1 score cp 31 pv e2e4 e7e5")
			fmt.Println("info depth 2 multipv 2 score mate 2 pv d2d4 d7d5")
			fmt.Println("bestmove e2e4 ponder e7e5")
		case line == "quit":
			return
		}
	}
}
