package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:9400", "instance base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

// stopCmd asks the instance to drain. The instance keeps serving until the
// reliable backlogs flush or the drain grace expires, so a 200 here means
// "draining started", not "stopped".
func stopCmd(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:9400", "instance base url")
	wait := fs.Bool("wait", false, "poll /healthz until the instance stops answering")
	_ = fs.Parse(args)

	base := strings.TrimRight(strings.TrimSpace(*baseURL), "/")
	req, _ := http.NewRequest(http.MethodPost, base+"/admin/v1/stop", nil)
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}

	if *wait {
		for {
			time.Sleep(500 * time.Millisecond)
			r, err := cl.Get(base + "/healthz")
			if err != nil {
				fmt.Println("instance stopped")
				return
			}
			_, _ = io.Copy(io.Discard, r.Body)
			_ = r.Body.Close()
		}
	}
}
