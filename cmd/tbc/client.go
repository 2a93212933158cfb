package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// maxResponse bounds how much of a controller response the CLI reads.
const maxResponse = 4 << 20

var (
	controllerURL   = defaultControllerURL()
	controllerToken = strings.TrimSpace(os.Getenv("TBC_TOKEN"))
	controllerCall  = callController
	httpClient      = &http.Client{Timeout: 15 * time.Second}
)

// apiError is a non-2xx controller response. REST routes and TGP routes both
// carry a code and message.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		if e.Message == "" {
			return fmt.Sprintf("controller returned %d", e.Status)
		}
		return fmt.Sprintf("controller returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// callController issues a request to the controller and returns the response
// body. body may be nil, a []byte sent verbatim, or a value encoded as JSON.
func callController(method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, controllerURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if controllerToken != "" {
		req.Header.Set("Authorization", "Bearer "+controllerToken)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return json.RawMessage(raw), apiErr
	}
	return json.RawMessage(raw), nil
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintln(w, strings.TrimSpace(string(result)))
		return
	}
	fmt.Fprintln(w, pretty.String())
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

// handleCallError prints err and, for TGP routes, the ERROR message body.
func handleCallError(stdout, stderr io.Writer, result json.RawMessage, err error) int {
	if err == nil {
		return 0
	}
	if _, ok := err.(*apiError); ok {
		writeResult(stdout, result)
	}
	return printError(stderr, err.Error())
}
