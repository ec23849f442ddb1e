// Package cucumber provides a godog-based BDD test framework for exercising
// the HTTP API and the websocket endpoint of a running server.
//
// Variables are scoped to the scenario. HTTP response state and open
// websockets belong to the current user's session; switching users switches
// the session.
//
// Variable resolution supports:
//   - ${variableName}          → scenario variable lookup
//   - ${variableName.field}    → gojq selection on a stored JSON value
//   - ${response}              → last HTTP response body of the current user
//   - ${response.field}        → gojq selection on the last response body
//   - ${value | pipe}          → pipe transformations (json, string)
package cucumber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
	"github.com/gorilla/websocket"
	"github.com/itchyny/gojq"
	"github.com/pmezard/go-difflib/difflib"
)

func NewTestSuite() *TestSuite {
	return &TestSuite{
		APIURL: "http://localhost:8080",
		Extra:  map[string]interface{}{},
	}
}

func DefaultOptions() godog.Options {
	return godog.Options{
		Output:      colors.Colored(os.Stdout),
		Format:      "progress",
		Paths:       []string{"features"},
		Randomize:   time.Now().UTC().UnixNano(),
		Concurrency: 1,
	}
}

// ApplyReportOptions configures junit XML output when GODOG_REPORT_DIR is set.
// Pass t.Name() as testName; slashes are replaced with dashes to form the filename.
// Returns a cleanup function that must be called (or deferred) after the test runs.
func ApplyReportOptions(opts *godog.Options, testName string) func() {
	reportDir := os.Getenv("GODOG_REPORT_DIR")
	if reportDir == "" {
		return func() {}
	}
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return func() {}
	}
	safeName := strings.ReplaceAll(testName, "/", "-")
	f, err := os.Create(filepath.Join(reportDir, safeName+".xml"))
	if err != nil {
		return func() {}
	}
	opts.Output = f
	opts.Format = "junit"
	return func() { _ = f.Close() }
}

// TestDB abstracts direct database access needed by BDD steps so each
// backend can be injected by its test runner.
type TestDB interface {
	// ClearAll wipes all data (called before each scenario).
	ClearAll(ctx context.Context) error
}

// TestSuite holds state global to all test scenarios.
type TestSuite struct {
	Context  interface{} // opaque application context
	APIURL   string
	Mu       sync.Mutex
	TestingT *testing.T
	Extra    map[string]interface{}
	DB       TestDB
}

// WebSocketURL returns the ws:// form of APIURL joined with path.
func (suite *TestSuite) WebSocketURL(path string) string {
	base := suite.APIURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

// TestUser represents a user that can interact with the API.
type TestUser struct {
	Name    string
	Subject string // Bearer token value
}

// TestScenario holds state for a single scenario. Not accessed concurrently.
type TestScenario struct {
	Suite       *TestSuite
	CurrentUser string
	sessions    map[string]*TestSession
	Variables   map[string]interface{}
	Users       map[string]*TestUser
}

func (s *TestScenario) Logf(format string, args ...any) {
	s.Suite.TestingT.Logf(format, args...)
}

func (s *TestScenario) User() *TestUser {
	s.Suite.Mu.Lock()
	defer s.Suite.Mu.Unlock()
	return s.Users[s.CurrentUser]
}

// UseUser makes name the current user, registering it on first use. The
// bearer token is the user name, which the server accepts in testing mode.
func (s *TestScenario) UseUser(name string) {
	s.Suite.Mu.Lock()
	if s.Users[name] == nil {
		s.Users[name] = &TestUser{Name: name, Subject: name}
	}
	s.Suite.Mu.Unlock()
	s.CurrentUser = name
}

func (s *TestScenario) Session() *TestSession {
	result := s.sessions[s.CurrentUser]
	if result == nil {
		result = &TestSession{
			TestUser: s.User(),
			Client:   &http.Client{Timeout: 30 * time.Second},
			Header:   http.Header{},
			Sockets:  map[string]*TestSocket{},
		}
		s.sessions[s.CurrentUser] = result
	}
	return result
}

// Socket looks up a websocket opened under name by any user of the scenario.
func (s *TestScenario) Socket(name string) (*TestSocket, error) {
	for _, session := range s.sessions {
		if ws := session.Sockets[name]; ws != nil {
			return ws, nil
		}
	}
	return nil, fmt.Errorf("no websocket named %q", name)
}

func (s *TestScenario) closeSockets() {
	for _, session := range s.sessions {
		for _, ws := range session.Sockets {
			ws.Close()
		}
	}
}

func (s *TestScenario) JSONMustMatch(actual, expected string, expandExpected bool) error {
	var actualParsed interface{}
	if err := json.Unmarshal([]byte(actual), &actualParsed); err != nil {
		return fmt.Errorf("error parsing actual json: %w\njson was:\n%s", err, actual)
	}

	var err error
	if expandExpected {
		if expected, err = s.Expand(expected); err != nil {
			return err
		}
	}
	var expectedParsed interface{}
	if err := json.Unmarshal([]byte(expected), &expectedParsed); err != nil {
		return fmt.Errorf("error parsing expected json: %w\njson was:\n%s", err, expected)
	}

	if !reflect.DeepEqual(expectedParsed, actualParsed) {
		expectedIndented, _ := json.MarshalIndent(expectedParsed, "", "  ")
		actualIndented, _ := json.MarshalIndent(actualParsed, "", "  ")
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(expectedIndented)),
			B:        difflib.SplitLines(string(actualIndented)),
			FromFile: "Expected",
			ToFile:   "Actual",
			Context:  1,
		})
		return fmt.Errorf("actual does not match expected, diff:\n%s", diff)
	}
	return nil
}

func (s *TestScenario) JSONMustContain(actual, expected string, expand bool) error {
	var actualParsed interface{}
	if err := json.Unmarshal([]byte(actual), &actualParsed); err != nil {
		return fmt.Errorf("error parsing actual json: %w\njson was:\n%s", err, actual)
	}

	var err error
	if expand {
		if expected, err = s.Expand(expected); err != nil {
			return err
		}
	}
	if strings.TrimSpace(expected) == "" {
		actualIndented, _ := json.MarshalIndent(actualParsed, "", "  ")
		return fmt.Errorf("expected json not specified, actual json was:\n%s", actualIndented)
	}

	var expectedParsed interface{}
	if err := json.Unmarshal([]byte(expected), &expectedParsed); err != nil {
		return fmt.Errorf("error parsing expected json: %w\njson was:\n%s", err, expected)
	}

	if err := jsonSubset(expectedParsed, actualParsed, ""); err != nil {
		expectedIndented, _ := json.MarshalIndent(expectedParsed, "", "  ")
		actualIndented, _ := json.MarshalIndent(actualParsed, "", "  ")
		return fmt.Errorf("actual does not contain expected.\n  mismatch: %s\n  expected:\n%s\n  actual:\n%s",
			err, expectedIndented, actualIndented)
	}
	return nil
}

// jsonSubset checks that every field in expected exists in actual with a matching value.
// Objects may carry extra keys; arrays must have the same length.
func jsonSubset(expected, actual interface{}, path string) error {
	if expected == nil {
		if actual != nil {
			return fmt.Errorf("at %s: expected null, got %v", pathOrRoot(path), actual)
		}
		return nil
	}

	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return fmt.Errorf("at %s: expected object, got %T", pathOrRoot(path), actual)
		}
		for key, expVal := range exp {
			actVal, exists := act[key]
			if !exists {
				return fmt.Errorf("at %s: missing key %q", pathOrRoot(path), key)
			}
			if err := jsonSubset(expVal, actVal, path+"."+key); err != nil {
				return err
			}
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return fmt.Errorf("at %s: expected array, got %T", pathOrRoot(path), actual)
		}
		if len(exp) != len(act) {
			return fmt.Errorf("at %s: expected array length %d, got %d", pathOrRoot(path), len(exp), len(act))
		}
		for i := range exp {
			if err := jsonSubset(exp[i], act[i], fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	default:
		if !reflect.DeepEqual(expected, actual) {
			return fmt.Errorf("at %s: expected %v (%T), got %v (%T)", pathOrRoot(path), expected, expected, actual, actual)
		}
	}
	return nil
}

func pathOrRoot(path string) string {
	if path == "" {
		return "$"
	}
	return "$" + path
}

// Expand replaces ${var} in the string based on scenario variables.
func (s *TestScenario) Expand(value string) (result string, rerr error) {
	return os.Expand(value, func(name string) string {
		res, err := s.ResolveString(name)
		if err != nil {
			rerr = err
			return ""
		}
		return res
	}), rerr
}

func (s *TestScenario) ResolveString(name string) (string, error) {
	value, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	return ToString(value)
}

func ToString(value interface{}) (string, error) {
	switch value := value.(type) {
	case string:
		return value, nil
	case bool:
		if value {
			return "true", nil
		}
		return "false", nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", value), nil
	case float32, float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", value), "0"), "."), nil
	case nil:
		return "", nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *TestScenario) Resolve(name string) (interface{}, error) {
	pipes := strings.Split(name, "|")
	for i := range pipes {
		pipes[i] = strings.TrimSpace(pipes[i])
	}
	name, pipes = pipes[0], pipes[1:]

	root, rest, _ := strings.Cut(name, ".")
	var doc interface{}
	if root == "response" {
		j, err := s.Session().RespJSON()
		if err != nil {
			return pipeline(pipes, nil, err)
		}
		doc = j
	} else {
		value, found := s.Variables[root]
		if !found {
			return pipeline(pipes, nil, fmt.Errorf("variable ${%s} not defined yet", root))
		}
		doc = value
	}
	if rest == "" {
		return pipeline(pipes, doc, nil)
	}
	value, err := Select(doc, "."+rest)
	if err != nil {
		return pipeline(pipes, nil, fmt.Errorf("${%s}: %w", name, err))
	}
	return pipeline(pipes, value, nil)
}

// Select runs a gojq selector against doc and returns the first result. A
// selector without a leading dot is taken relative to the document root.
func Select(doc interface{}, selector string) (interface{}, error) {
	if !strings.HasPrefix(selector, ".") {
		selector = "." + selector
	}
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, err
	}
	iter := query.Run(doc)
	next, found := iter.Next()
	if !found {
		return nil, fmt.Errorf("no node matches selector %s", selector)
	}
	if err, ok := next.(error); ok {
		return nil, fmt.Errorf("selector %s: %w", selector, err)
	}
	return next, nil
}

func pipeline(pipes []string, value any, err error) (any, error) {
	for _, pipe := range pipes {
		fn := PipeFunctions[pipe]
		if fn == nil {
			return nil, fmt.Errorf("unknown pipe: %s", pipe)
		}
		value, err = fn(value, err)
	}
	return value, err
}

var PipeFunctions = map[string]func(any, error) (any, error){
	"json": func(value any, err error) (any, error) {
		if err != nil {
			return value, err
		}
		buf := bytes.NewBuffer(nil)
		encoder := json.NewEncoder(buf)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(value); err != nil {
			return value, err
		}
		return buf.String(), nil
	},
	"string": func(value any, err error) (any, error) {
		if err != nil {
			return value, err
		}
		return fmt.Sprintf("%v", value), nil
	},
}

// TestSession holds the HTTP and websocket context for a user, like a browser.
type TestSession struct {
	TestUser  *TestUser
	Client    *http.Client
	Resp      *http.Response
	RespBytes []byte
	respJSON  interface{}
	Header    http.Header
	Sockets   map[string]*TestSocket
}

// RespJSON returns the last HTTP response body as parsed JSON.
func (s *TestSession) RespJSON() (interface{}, error) {
	if s.respJSON == nil {
		if s.RespBytes == nil {
			return nil, fmt.Errorf("no response body")
		}
		if err := json.Unmarshal(s.RespBytes, &s.respJSON); err != nil {
			return nil, fmt.Errorf("error parsing response json: %w\njson was:\n%s", err, s.RespBytes)
		}
	}
	return s.respJSON, nil
}

func (s *TestSession) SetRespBytes(bytes []byte) {
	s.RespBytes = bytes
	s.respJSON = nil
}

// TestSocket is a websocket client whose inbound events are buffered so
// steps can wait for a specific event type.
type TestSocket struct {
	Name   string
	Conn   *websocket.Conn
	events chan map[string]interface{}
	once   sync.Once
}

func newTestSocket(name string, conn *websocket.Conn) *TestSocket {
	ws := &TestSocket{Name: name, Conn: conn, events: make(chan map[string]interface{}, 256)}
	go func() {
		defer close(ws.events)
		for {
			var event map[string]interface{}
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			ws.events <- event
		}
	}()
	return ws
}

// Next waits for the next event of the given type, discarding others.
func (ws *TestSocket) Next(eventType string, timeout time.Duration) (map[string]interface{}, error) {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-ws.events:
			if !ok {
				return nil, fmt.Errorf("websocket %q closed while waiting for %q", ws.Name, eventType)
			}
			if event["type"] == eventType {
				return event, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("websocket %q received no %q event within %s", ws.Name, eventType, timeout)
		}
	}
}

func (ws *TestSocket) Close() {
	ws.once.Do(func() {
		_ = ws.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Conn.Close()
	})
}

// StepModules is the list of functions used to register steps with a godog.ScenarioContext.
var StepModules []func(ctx *godog.ScenarioContext, s *TestScenario)

func (suite *TestSuite) InitializeScenario(ctx *godog.ScenarioContext) {
	s := &TestScenario{
		Suite:     suite,
		Users:     map[string]*TestUser{},
		sessions:  map[string]*TestSession{},
		Variables: map[string]interface{}{},
	}
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		s.closeSockets()
		return ctx, nil
	})

	for _, module := range StepModules {
		module(ctx, s)
	}
}
