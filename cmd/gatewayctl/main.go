// Command gatewayctl is the gateway operator's CLI: a read-only
// "monitor" TUI dashboard and a "gc" command that triggers a manual
// chunk-store/session sweep, both talking to gatewayd's HTTP debug
// surface rather than sharing its process.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "monitor":
		runMonitor(os.Args[2:])
	case "gc":
		runGC(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`gatewayctl - device gateway operator CLI

Usage:
  gatewayctl monitor [-addr http://localhost:8080]   live session/dispatcher dashboard
  gatewayctl gc [-addr http://localhost:8080]        trigger a manual sweep and report counts`)
}

func runMonitor(args []string) {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "gatewayd health server base URL")
	_ = fs.Parse(args)

	model := newMonitorModel(*addr)
	p := tea.NewProgram(model)
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGC(args []string) {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "gatewayd health server base URL")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(*addr+"/debug/sweep", "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "sweep request returned %s\n", resp.Status)
		os.Exit(1)
	}

	var result sweepResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "decoding sweep response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("idle sessions reaped:         %d\n", result.IdleSessionsReaped)
	fmt.Printf("suppression entries evicted:  %d\n", result.SuppressionEntriesEvicted)
	fmt.Printf("chunk rows swept:             %d\n", result.ChunkRowsSwept)
}

type sweepResult struct {
	IdleSessionsReaped        int `json:"idle_sessions_reaped"`
	SuppressionEntriesEvicted int `json:"suppression_entries_evicted"`
	ChunkRowsSwept            int `json:"chunk_rows_swept"`
}
