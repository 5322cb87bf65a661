// simulate posts synthetic position reports to a running ingestd for local
// testing. Each simulated payload walks randomly from a random start; every
// report is occasionally relayed through a second station so anomaly
// corroboration paths get exercised too.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type walker struct {
	callsign string
	lat, lon float64
	alt      float64
}

func (w *walker) step(r *rand.Rand) {
	w.lat += (r.Float64() - 0.5) * 0.02
	w.lon += (r.Float64() - 0.5) * 0.02
	w.alt += (r.Float64() - 0.3) * 150
	if w.alt < 0 {
		w.alt = 0
	}
}

var transmitMethods = []string{"aprs", "lora", "iridium"}

func main() {
	url := flag.String("url", "http://localhost:8080/api/v1/ingest", "ingest endpoint")
	count := flag.Int("payloads", 3, "number of simulated payloads")
	interval := flag.Duration("interval", 5*time.Second, "mean interval between reports per payload")
	flag.Parse()

	if *count < 1 {
		log.Fatal("simulate: -payloads must be at least 1")
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	walkers := make([]*walker, *count)
	for i := range walkers {
		walkers[i] = &walker{
			callsign: fmt.Sprintf("SIM%d-11", i+1),
			lat:      30 + r.Float64()*20,
			lon:      -120 + r.Float64()*50,
			alt:      r.Float64() * 5000,
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(*interval / time.Duration(*count))
	defer ticker.Stop()

	log.Printf("simulate: posting %d payloads to %s every ~%s", *count, *url, *interval)
	i := 0
	for {
		select {
		case <-quit:
			log.Println("simulate: stopped")
			return
		case <-ticker.C:
		}

		w := walkers[i%len(walkers)]
		i++
		w.step(r)

		method := transmitMethods[r.Intn(len(transmitMethods))]
		station := fmt.Sprintf("station-%d", 1+r.Intn(5))
		publish(client, *url, w, method, station, r)

		// A second station occasionally hears the same transmission with a
		// slightly different fix, like real overlapping coverage does.
		if r.Float64() < 0.3 {
			echo := *w
			echo.lat += (r.Float64() - 0.5) * 0.005
			echo.lon += (r.Float64() - 0.5) * 0.005
			publish(client, *url, &echo, method, fmt.Sprintf("station-%d", 6+r.Intn(3)), r)
		}
	}
}

func publish(client *http.Client, url string, w *walker, method, station string, r *rand.Rand) {
	packet := map[string]any{
		"callsign":  w.callsign,
		"latitude":  round4(w.lat),
		"longitude": round4(w.lon),
		"altitude":  round4(w.alt),
		"battery":   3.2 + r.Float64()*0.9,
		"timestamp": time.Now().Add(-time.Duration(r.Intn(3000)) * time.Millisecond).Unix(),
	}
	body, err := json.Marshal(packet)
	if err != nil {
		log.Printf("simulate: marshal: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("simulate: request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ingest-Method", "simulator")
	req.Header.Set("X-Transmit-Method", method)
	req.Header.Set("X-Source-Label", station)

	resp, err := client.Do(req)
	if err != nil {
		log.Printf("simulate: post: %v", err)
		return
	}
	resp.Body.Close()
	log.Printf("simulate: %s via %s/%s -> %s", w.callsign, method, station, resp.Status)
}

func round4(v float64) float64 {
	return float64(int64(v*10000)) / 10000
}
