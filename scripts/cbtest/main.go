// Cbtest walks one service's circuit breaker through a full cycle against a
// running gateway and a mockbackend instance:
//
//	go run ./scripts/cbtest -gateway http://localhost:8080 -service payments -backend http://localhost:3004
//
// Phases: normal traffic, injected failures until the breaker opens,
// short-circuited calls while open, recovery through the half-open trial and
// finally a manual reset.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/apierr"
	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
)

type tester struct {
	client     *http.Client
	gatewayURL string
	backendURL string
	service    string
	apiPrefix  string
}

func main() {
	var (
		gatewayURL = flag.String("gateway", "http://localhost:8080", "Gateway URL")
		backendURL = flag.String("backend", "http://localhost:3004", "Mock backend URL (for fault injection)")
		service    = flag.String("service", "payments", "Service under test")
		apiPrefix  = flag.String("api-prefix", "/api/v1", "Gateway API prefix")
		requests   = flag.Int("requests", 10, "Requests per phase")
		openWait   = flag.Duration("open-wait", 31*time.Second, "How long to wait for the open period to elapse")
	)
	flag.Parse()

	t := &tester{
		client:     &http.Client{Timeout: 10 * time.Second},
		gatewayURL: *gatewayURL,
		backendURL: *backendURL,
		service:    *service,
		apiPrefix:  *apiPrefix,
	}

	fmt.Println(colorCyan + "━━━ CIRCUIT BREAKER CYCLE: " + t.service + " ━━━" + colorReset)
	fmt.Println()

	fmt.Println(colorBlue + "PHASE 1: Normal operation" + colorReset)
	t.mustFault("ok")
	codes := t.burst(*requests)
	printCodes(codes)
	if codes[http.StatusOK] == 0 {
		fail("no successful responses; is the gateway routing to the mock backend?")
	}
	t.expectState(circuitbreaker.StateClosed)

	fmt.Println(colorBlue + "PHASE 2: Injected failures" + colorReset)
	t.mustFault("error")
	codes = t.burst(*requests)
	printCodes(codes)
	t.expectState(circuitbreaker.StateOpen)

	fmt.Println(colorBlue + "PHASE 3: Short-circuit while open" + colorReset)
	t.mustFault("ok")
	resp, body := t.call()
	if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
		var b apierr.Body
		_ = json.Unmarshal(body, &b)
		fmt.Printf(colorGreen+"  ✓ 503 %s, Retry-After=%s\n"+colorReset, b.Error, resp.Header.Get("Retry-After"))
	} else {
		fmt.Println(colorYellow + "  ⚠ expected 503 BreakerOpen" + colorReset)
	}

	fmt.Printf(colorBlue+"PHASE 4: Recovery (waiting %s)\n"+colorReset, *openWait)
	time.Sleep(*openWait)
	resp, _ = t.call()
	if resp != nil {
		fmt.Printf("  trial call: %d\n", resp.StatusCode)
	}
	t.expectState(circuitbreaker.StateClosed)

	fmt.Println(colorBlue + "PHASE 5: Manual reset" + colorReset)
	t.mustFault("error")
	t.burst(*requests)
	t.mustFault("ok")
	if err := t.reset(); err != nil {
		fmt.Printf(colorRed+"  ✗ reset failed: %v\n"+colorReset, err)
	}
	t.expectState(circuitbreaker.StateClosed)

	fmt.Println()
	fmt.Println(colorCyan + "━━━ DONE ━━━" + colorReset)
}

func (t *tester) call() (*http.Response, []byte) {
	resp, err := t.client.Get(t.gatewayURL + t.apiPrefix + "/" + t.service + "/cbtest")
	if err != nil {
		fmt.Printf(colorRed+"  request error: %v\n"+colorReset, err)
		return nil, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func (t *tester) burst(n int) map[int]int {
	codes := make(map[int]int)
	for i := 0; i < n; i++ {
		if resp, _ := t.call(); resp != nil {
			codes[resp.StatusCode]++
		}
	}
	return codes
}

func (t *tester) mustFault(mode string) {
	payload, _ := json.Marshal(map[string]string{"mode": mode})
	resp, err := t.client.Post(t.backendURL+"/admin/fault", "application/json", bytes.NewReader(payload))
	if err != nil {
		fail(fmt.Sprintf("set fault %s: %v", mode, err))
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		fail(fmt.Sprintf("set fault %s: status %d", mode, resp.StatusCode))
	}
	fmt.Printf("  backend mode → %s\n", mode)
}

func (t *tester) state() (circuitbreaker.Stats, error) {
	resp, err := t.client.Get(t.gatewayURL + "/health/breakers")
	if err != nil {
		return circuitbreaker.Stats{}, err
	}
	defer resp.Body.Close()

	var all map[string]circuitbreaker.Stats
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return circuitbreaker.Stats{}, err
	}
	s, ok := all[t.service]
	if !ok {
		return circuitbreaker.Stats{}, fmt.Errorf("no breaker for %s", t.service)
	}
	return s, nil
}

func (t *tester) expectState(want circuitbreaker.State) {
	s, err := t.state()
	if err != nil {
		fmt.Printf(colorRed+"  ✗ breaker status: %v\n"+colorReset, err)
		return
	}
	line := fmt.Sprintf("  breaker=%s window=%d/%d rejected=%d opens=%d",
		s.State, s.WindowFailures, s.WindowFailures+s.WindowSuccesses, s.Rejected, s.ConsecutiveOpens)
	if s.State == want {
		fmt.Println(colorGreen + line + " ✓" + colorReset)
	} else {
		fmt.Println(colorYellow + line + " (expected " + want.String() + ")" + colorReset)
	}
	fmt.Println()
}

func (t *tester) reset() error {
	resp, err := t.client.Post(t.gatewayURL+"/health/breakers/"+t.service+"/reset", "", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func printCodes(codes map[int]int) {
	for code, n := range codes {
		fmt.Printf("    %d → %d responses\n", code, n)
	}
}

func fail(msg string) {
	fmt.Println(colorRed + "  ✗ " + msg + colorReset)
	os.Exit(1)
}
