// Package main - agitator
// Load generator for the jail server. Simulates many connected subjects
// pushing movement to the host ingestion API, a share of them jailed and
// wandering out of their area, while a staff client counts the feed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MRamiBalles/devjails/internal/domain/region"
)

// Config for the agitator
type Config struct {
	ServerURL      string
	NumSubjects    int
	JailedShare    float64
	Jail           string
	World          string
	ActionInterval time.Duration
	TestDuration   time.Duration
}

// Stats tracks performance metrics
type Stats struct {
	RequestsSent   int64
	Escapes        int64
	FramesReceived int64
	Errors         int64
	Latencies      []time.Duration
	mu             sync.Mutex
}

func (s *Stats) observe(d time.Duration) {
	s.mu.Lock()
	s.Latencies = append(s.Latencies, d)
	s.mu.Unlock()
}

func main() {
	serverURL := flag.String("url", "http://localhost:8080", "jail server base URL")
	numSubjects := flag.Int("subjects", 50, "Number of simulated subjects")
	share := flag.Float64("jailed", 0.3, "Share of subjects admitted before moving")
	jailName := flag.String("jail", "stress", "Jail used for admissions (created if missing)")
	world := flag.String("world", "world", "World the subjects move in")
	interval := flag.Duration("interval", 100*time.Millisecond, "Move interval per subject")
	duration := flag.Duration("duration", 60*time.Second, "Test duration")
	flag.Parse()

	config := Config{
		ServerURL:      strings.TrimRight(*serverURL, "/"),
		NumSubjects:    *numSubjects,
		JailedShare:    *share,
		Jail:           *jailName,
		World:          *world,
		ActionInterval: *interval,
		TestDuration:   *duration,
	}

	fmt.Println("=========================================")
	fmt.Println("AGITATOR - jail server load generator")
	fmt.Println("=========================================")
	fmt.Printf("Server:   %s\n", config.ServerURL)
	fmt.Printf("Subjects: %d (%.0f%% jailed)\n", config.NumSubjects, config.JailedShare*100)
	fmt.Printf("Interval: %v\n", config.ActionInterval)
	fmt.Printf("Duration: %v\n", config.TestDuration)
	fmt.Println("=========================================")

	ctx, cancel := context.WithTimeout(context.Background(), config.TestDuration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupt received, stopping...")
		cancel()
	}()

	if err := prepareJail(ctx, config); err != nil {
		log.Fatalf("prepare jail: %v", err)
	}

	stats := runStressTest(ctx, config)
	printResults(stats, config)
}

// prepareJail creates the target jail with a 16 block cell around the origin.
func prepareJail(ctx context.Context, config Config) error {
	spawn := region.Location{World: config.World, X: 8, Y: 64, Z: 8}
	if _, err := call(ctx, http.MethodPut, config.ServerURL+"/api/jails/"+config.Jail, map[string]interface{}{"spawn": spawn}); err != nil {
		return err
	}
	area := config.Jail + "-cell"
	if _, err := call(ctx, http.MethodPut, config.ServerURL+"/api/areas/"+area, map[string]interface{}{
		"a": region.Location{World: config.World, X: 0, Y: 60, Z: 0},
		"b": region.Location{World: config.World, X: 15, Y: 70, Z: 15},
	}); err != nil {
		return err
	}
	_, err := call(ctx, http.MethodPost, config.ServerURL+"/api/jails/"+config.Jail+"/link", map[string]string{"area": area})
	return err
}

func runStressTest(ctx context.Context, config Config) *Stats {
	stats := &Stats{
		Latencies: make([]time.Duration, 0, 10000),
	}

	go runStaffClient(ctx, config, stats)

	var wg sync.WaitGroup
	fmt.Println("\nStarting subjects...")
	for i := 0; i < config.NumSubjects; i++ {
		wg.Add(1)
		jailed := rand.Float64() < config.JailedShare
		go func() {
			defer wg.Done()
			runSubject(ctx, i, jailed, config, stats)
		}()

		// Stagger starts to avoid thundering herd
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Printf("All %d subjects started\n\n", config.NumSubjects)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Printf("Progress: Sent=%d Escapes=%d Frames=%d Errors=%d\n",
					atomic.LoadInt64(&stats.RequestsSent),
					atomic.LoadInt64(&stats.Escapes),
					atomic.LoadInt64(&stats.FramesReceived),
					atomic.LoadInt64(&stats.Errors))
			}
		}
	}()

	wg.Wait()
	return stats
}

// runStaffClient counts frames on the staff feed.
func runStaffClient(ctx context.Context, config Config, stats *Stats) {
	u, err := url.Parse(config.ServerURL)
	if err != nil {
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		log.Printf("Staff client: connection failed: %v", err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		atomic.AddInt64(&stats.FramesReceived, int64(bytes.Count(msg, []byte{'\n'})+1))
	}
}

func runSubject(ctx context.Context, n int, jailed bool, config Config, stats *Stats) {
	id := uuid.New()
	base := config.ServerURL + "/api/subjects/" + id.String()
	loc := region.Location{World: config.World, X: 8, Y: 64, Z: 8}

	if _, err := call(ctx, http.MethodPost, base+"/online", map[string]interface{}{
		"name": fmt.Sprintf("subject_%03d", n), "location": loc,
	}); err != nil {
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	defer func() {
		// The test context is already done here.
		_, _ = call(context.Background(), http.MethodPost, base+"/offline", nil)
	}()

	if jailed {
		if _, err := call(ctx, http.MethodPost, config.ServerURL+"/api/prisoners/"+id.String(), map[string]string{
			"jail": config.Jail, "reason": "load test", "staff": "agitator", "duration": "1h",
		}); err != nil {
			atomic.AddInt64(&stats.Errors, 1)
			return
		}
	}

	ticker := time.NewTicker(config.ActionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loc = randomStep(loc)
			start := time.Now()
			body, err := call(ctx, http.MethodPost, base+"/move", map[string]interface{}{"location": loc})
			if err != nil {
				if ctx.Err() == nil {
					atomic.AddInt64(&stats.Errors, 1)
				}
				continue
			}
			stats.observe(time.Since(start))
			atomic.AddInt64(&stats.RequestsSent, 1)
			if handled, _ := body["handled"].(bool); handled {
				atomic.AddInt64(&stats.Escapes, 1)
				// The server teleports escapees back to the jail spawn.
				loc = region.Location{World: config.World, X: 8, Y: 64, Z: 8}
			}
		}
	}
}

// randomStep walks up to two blocks on the horizontal plane.
func randomStep(loc region.Location) region.Location {
	loc.X += float64(rand.Intn(5) - 2)
	loc.Z += float64(rand.Intn(5) - 2)
	return loc
}

func call(ctx context.Context, method, target string, payload interface{}) (map[string]interface{}, error) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		return nil, fmt.Errorf("%s %s: %s", method, target, resp.Status)
	}
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out, nil
}

func printResults(stats *Stats, config Config) {
	fmt.Println("\n=========================================")
	fmt.Println("STRESS TEST RESULTS")
	fmt.Println("=========================================")

	sent := atomic.LoadInt64(&stats.RequestsSent)
	escapes := atomic.LoadInt64(&stats.Escapes)
	frames := atomic.LoadInt64(&stats.FramesReceived)
	errs := atomic.LoadInt64(&stats.Errors)

	fmt.Printf("Moves Sent:        %d\n", sent)
	fmt.Printf("Escapes Handled:   %d\n", escapes)
	fmt.Printf("Staff Frames:      %d\n", frames)
	fmt.Printf("Errors:            %d\n", errs)
	fmt.Printf("Error Rate:        %.2f%%\n", float64(errs)/float64(sent+1)*100)

	throughput := float64(sent) / config.TestDuration.Seconds()
	fmt.Printf("Throughput:        %.2f moves/sec\n", throughput)

	if len(stats.Latencies) > 0 {
		var total time.Duration
		var min, max time.Duration = stats.Latencies[0], stats.Latencies[0]

		for _, l := range stats.Latencies {
			total += l
			if l < min {
				min = l
			}
			if l > max {
				max = l
			}
		}

		avg := total / time.Duration(len(stats.Latencies))

		fmt.Printf("\nLatency:\n")
		fmt.Printf("  Min: %v\n", min)
		fmt.Printf("  Avg: %v\n", avg)
		fmt.Printf("  Max: %v\n", max)
	}

	fmt.Println("\n-----------------------------------------")
	if errs == 0 {
		fmt.Println("TEST PASSED: System handled the load")
	} else if float64(errs)/float64(sent+1) < 0.05 {
		fmt.Println("TEST WARNING: Some errors detected")
	} else {
		fmt.Println("TEST FAILED: High error rate")
	}
	fmt.Println("=========================================")

	results := map[string]interface{}{
		"moves_sent":         sent,
		"escapes_handled":    escapes,
		"staff_frames":       frames,
		"errors":             errs,
		"throughput_per_sec": throughput,
		"config": map[string]interface{}{
			"subjects": config.NumSubjects,
			"jailed":   config.JailedShare,
			"interval": config.ActionInterval.String(),
			"duration": config.TestDuration.String(),
		},
	}

	jsonData, _ := json.MarshalIndent(results, "", "  ")
	os.WriteFile("stress_test_results.json", jsonData, 0644)
	fmt.Println("\nResults saved to stress_test_results.json")
}
