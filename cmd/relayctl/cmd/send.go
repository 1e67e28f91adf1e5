package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/signature"
)

var (
	eventType   string
	eventID     string
	messageID   string
	eventData   string
	bodyFile    string
	tamper      bool
	skewSeconds int
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a signed test webhook to the relay",
	Long: `Build a webhook body, sign it with the configured signing key and POST it
to the relay's provider endpoint.

Examples:
  relayctl send --type payment.succeeded --data '{"amount":1000}'
  relayctl send --file event.json
  relayctl send --type payment.succeeded --tamper   # expect INVALID_SIGNATURE`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := loadBody()
		if err != nil {
			return err
		}
		headers, err := signedHeaders(messageID, time.Now().Add(time.Duration(skewSeconds)*time.Second), body)
		if err != nil {
			return err
		}
		if tamper {
			headers.Set(signature.HeaderSignature, tamperSignature(headers.Get(signature.HeaderSignature)))
		}

		resp, err := makeHTTPRequest(http.MethodPost, webhookPath(), body, headers)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		out, err := decodeResponse(resp)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		switch resp.StatusCode {
		case http.StatusOK:
			printSuccess(fmt.Sprintf("Processed event %v in %v (request %v)", out["event_id"], out["processing_time"], out["request_id"]))
		case http.StatusBadRequest:
			printFailure(fmt.Sprintf("Rejected: %v (%v, request %v)", out["error"], out["error_code"], out["request_id"]))
		case http.StatusTooManyRequests:
			printFailure(fmt.Sprintf("Rate limited, retry after %vs", out["retry_after"]))
		default:
			printFailure(fmt.Sprintf("HTTP %d: %+v", resp.StatusCode, out))
		}
		return nil
	},
}

// signCmd represents the sign command
var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the webhook headers for a body",
	Long: `Compute the webhook-id, webhook-timestamp and webhook-signature headers for
a body without sending it. Useful with curl.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := loadBody()
		if err != nil {
			return err
		}
		headers, err := signedHeaders(messageID, time.Now().Add(time.Duration(skewSeconds)*time.Second), body)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(map[string]string{
				signature.HeaderID:        headers.Get(signature.HeaderID),
				signature.HeaderTimestamp: headers.Get(signature.HeaderTimestamp),
				signature.HeaderSignature: headers.Get(signature.HeaderSignature),
				"body":                    string(body),
			})
			return nil
		}
		fmt.Printf("%s: %s\n", signature.HeaderID, headers.Get(signature.HeaderID))
		fmt.Printf("%s: %s\n", signature.HeaderTimestamp, headers.Get(signature.HeaderTimestamp))
		fmt.Printf("%s: %s\n", signature.HeaderSignature, headers.Get(signature.HeaderSignature))
		fmt.Printf("\n%s\n", body)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(signCmd)

	for _, c := range []*cobra.Command{sendCmd, signCmd} {
		c.Flags().StringVar(&eventType, "type", "payment.succeeded", "event type")
		c.Flags().StringVar(&eventID, "event-id", "", "event id (default: random evt_ id)")
		c.Flags().StringVar(&messageID, "msg-id", "", "webhook-id header (default: random msg_ id)")
		c.Flags().StringVar(&eventData, "data", "{}", "event data as JSON")
		c.Flags().StringVarP(&bodyFile, "file", "f", "", "read the raw body from a file instead of --type/--data")
		c.Flags().IntVar(&skewSeconds, "skew", 0, "shift webhook-timestamp by this many seconds")
	}
	sendCmd.Flags().BoolVar(&tamper, "tamper", false, "corrupt the signature before sending")
}

// loadBody returns the body from --file, or builds one from --type/--event-id/--data
func loadBody() ([]byte, error) {
	if bodyFile != "" {
		b, err := os.ReadFile(bodyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
		return b, nil
	}
	return buildEventBody(eventType, eventID, eventData)
}

// buildEventBody assembles a provider-style event body
func buildEventBody(typ, id, dataJSON string) ([]byte, error) {
	if typ == "" {
		return nil, errors.New("event type is required")
	}
	if id == "" {
		id = "evt_" + uuid.NewString()
	}

	var data json.RawMessage
	if dataJSON == "" {
		dataJSON = "{}"
	}
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, fmt.Errorf("failed to parse data JSON: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"id":        id,
		"type":      typ,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
}

// signedHeaders signs body with the configured key
func signedHeaders(id string, ts time.Time, body []byte) (http.Header, error) {
	if signingKey == "" {
		return nil, errors.New("signing key is required (--signing-key, signing_key in config, or WEBHOOK_SIGNING_KEY)")
	}
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	return signature.NewSigner(signingKey).Headers(id, ts, body), nil
}

// tamperSignature flips the first signature character
func tamperSignature(sig string) string {
	prefix := signature.Version + ","
	if len(sig) <= len(prefix) {
		return sig + "x"
	}
	b := []byte(sig)
	if b[len(prefix)] == 'A' {
		b[len(prefix)] = 'B'
	} else {
		b[len(prefix)] = 'A'
	}
	return string(b)
}
