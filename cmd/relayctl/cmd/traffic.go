package cmd

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/signature"
)

// TrafficConfig holds the configuration for traffic generation
type TrafficConfig struct {
	Duration   time.Duration `json:"duration"`
	Rate       int           `json:"rate"` // Requests per second
	EventType  string        `json:"event_type"`
	TamperRate float64       `json:"tamper_rate"` // Percentage of requests sent with a bad signature (0-100)
}

// TrafficSummary holds the summary of generated traffic
type TrafficSummary struct {
	TotalRequests int           `json:"total_requests"`
	Processed     int           `json:"processed"`    // 200
	Rejected      int           `json:"rejected"`     // 400
	RateLimited   int           `json:"rate_limited"` // 429
	Failed        int           `json:"failed"`       // 500 and other statuses
	TransportErrs int           `json:"transport_errors"`
	Tampered      int           `json:"tampered"`
	ByStatus      map[int]int   `json:"by_status"`
	Duration      time.Duration `json:"duration"`
	RPS           float64       `json:"rps"`
}

// sendFunc posts one signed body and returns the relay's status code
type sendFunc func(body []byte, headers http.Header) (int, error)

var trafficCfg TrafficConfig

// trafficCmd represents the traffic command
var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Generate signed webhook traffic against the relay",
	Long: `Send a steady stream of signed webhooks to exercise retries, rate limiting
and dead lettering. A share of requests can be tampered to produce
INVALID_SIGNATURE rejections.

Example:
  relayctl traffic --duration 30s --rate 10 --tamper-pct 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if signingKey == "" {
			return fmt.Errorf("signing key is required for traffic generation")
		}
		printHeader("Harbor Relay Traffic Generator")
		printInfo(fmt.Sprintf("Target %s%s for %s at %d req/s", baseURL(), webhookPath(), trafficCfg.Duration, trafficCfg.Rate))

		summary := generateTraffic(trafficCfg, httpSender, rand.New(rand.NewSource(time.Now().UnixNano())))
		if outputJSON {
			printOutput(summary)
			return nil
		}
		printTrafficSummary(summary)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trafficCmd)
	trafficCmd.Flags().DurationVar(&trafficCfg.Duration, "duration", 30*time.Second, "how long to generate traffic")
	trafficCmd.Flags().IntVar(&trafficCfg.Rate, "rate", 5, "requests per second")
	trafficCmd.Flags().StringVar(&trafficCfg.EventType, "type", "payment.succeeded", "event type")
	trafficCmd.Flags().Float64Var(&trafficCfg.TamperRate, "tamper-pct", 0, "percentage of requests sent with a corrupted signature")
}

func httpSender(body []byte, headers http.Header) (int, error) {
	resp, err := makeHTTPRequest(http.MethodPost, webhookPath(), body, headers)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// generateTraffic sends signed events at cfg.Rate until cfg.Duration elapses
func generateTraffic(cfg TrafficConfig, send sendFunc, rng *rand.Rand) *TrafficSummary {
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	summary := &TrafficSummary{ByStatus: map[int]int{}}
	sleepDuration := time.Second / time.Duration(cfg.Rate)

	startTime := time.Now()
	endTime := startTime.Add(cfg.Duration)

	fmt.Printf("Progress: ")
	for time.Now().Before(endTime) {
		summary.TotalRequests++

		body, err := buildEventBody(cfg.EventType, "", fmt.Sprintf(`{"seq":%d}`, summary.TotalRequests))
		if err != nil {
			summary.TransportErrs++
			continue
		}
		headers, err := signedHeaders("", time.Now(), body)
		if err != nil {
			summary.TransportErrs++
			continue
		}
		if cfg.TamperRate > 0 && rng.Float64()*100 < cfg.TamperRate {
			headers.Set(signature.HeaderSignature, tamperSignature(headers.Get(signature.HeaderSignature)))
			summary.Tampered++
		}

		status, err := send(body, headers)
		if err != nil {
			summary.TransportErrs++
		} else {
			summary.ByStatus[status]++
			switch status {
			case http.StatusOK:
				summary.Processed++
			case http.StatusBadRequest:
				summary.Rejected++
			case http.StatusTooManyRequests:
				summary.RateLimited++
			default:
				summary.Failed++
			}
		}

		if summary.TotalRequests%10 == 0 {
			fmt.Print(".")
		}
		time.Sleep(sleepDuration)
	}
	fmt.Println()

	summary.Duration = time.Since(startTime)
	if summary.Duration > 0 {
		summary.RPS = float64(summary.TotalRequests) / summary.Duration.Seconds()
	}
	return summary
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// printTrafficSummary prints the final traffic generation summary
func printTrafficSummary(s *TrafficSummary) {
	printHeader("Traffic Generation Complete")

	fmt.Printf("Total Requests:    %d\n", s.TotalRequests)
	fmt.Printf("Processed (200):   %d (%.2f%%)\n", s.Processed, percent(s.Processed, s.TotalRequests))
	fmt.Printf("Rejected (400):    %d (%.2f%%), %d tampered on purpose\n", s.Rejected, percent(s.Rejected, s.TotalRequests), s.Tampered)
	fmt.Printf("Rate limited (429):%d (%.2f%%)\n", s.RateLimited, percent(s.RateLimited, s.TotalRequests))
	fmt.Printf("Failed (5xx):      %d (%.2f%%)\n", s.Failed, percent(s.Failed, s.TotalRequests))
	if s.TransportErrs > 0 {
		fmt.Printf("Transport errors:  %d\n", s.TransportErrs)
	}
	fmt.Printf("Duration:          %.2f seconds\n", s.Duration.Seconds())
	fmt.Printf("Actual RPS:        %.2f requests/second\n", s.RPS)
	fmt.Println()

	if s.RateLimited > 0 {
		printInfo("Lower --rate or raise RATE_LIMIT_MAX to avoid 429s")
	}
	if s.Failed > 0 {
		printInfo("Failed deliveries were dead-lettered if DLQ_NSQD_ADDR is set")
	}
}
