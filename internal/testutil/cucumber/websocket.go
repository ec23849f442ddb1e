package cucumber

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cucumber/godog"
	"github.com/gorilla/websocket"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^I open a websocket named "([^"]*)"$`, s.iOpenAWebsocketNamed)
		ctx.Step(`^opening a websocket without authentication should fail with code (\d+)$`, s.openingAWebsocketWithoutAuthShouldFail)
		ctx.Step(`^websocket "([^"]*)" sends json:$`, s.websocketSendsJSON)
		ctx.Step(`^websocket "([^"]*)" should receive a "([^"]*)" event within (\d+) seconds? as \${([^}]*)}$`, s.websocketShouldReceiveEventAs)
		ctx.Step(`^websocket "([^"]*)" should receive a "([^"]*)" event within (\d+) seconds?$`, s.websocketShouldReceiveEvent)
		ctx.Step(`^websocket "([^"]*)" should not receive a "([^"]*)" event within (\d+) milliseconds$`, s.websocketShouldNotReceiveEvent)
		ctx.Step(`^\${([^}]*)} should contain json:$`, s.theVariableShouldContainJSON)
	})
}

// iOpenAWebsocketNamed dials the realtime endpoint as the current user.
func (s *TestScenario) iOpenAWebsocketNamed(name string) error {
	session := s.Session()
	if session.TestUser == nil {
		return fmt.Errorf("no authenticated user to open websocket %q", name)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.TestUser.Subject)
	conn, resp, err := websocket.DefaultDialer.Dial(s.Suite.WebSocketURL("/v1/ws"), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket %q dial failed with status %d: %w", name, resp.StatusCode, err)
		}
		return fmt.Errorf("websocket %q dial failed: %w", name, err)
	}
	session.Sockets[name] = newTestSocket(name, conn)
	return nil
}

func (s *TestScenario) openingAWebsocketWithoutAuthShouldFail(code int) error {
	conn, resp, err := websocket.DefaultDialer.Dial(s.Suite.WebSocketURL("/v1/ws"), nil)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("websocket dial without credentials succeeded")
	}
	if resp == nil {
		return fmt.Errorf("websocket dial failed without an HTTP response: %w", err)
	}
	if resp.StatusCode != code {
		return fmt.Errorf("expected websocket dial to fail with %d, got %d", code, resp.StatusCode)
	}
	return nil
}

func (s *TestScenario) websocketSendsJSON(name string, doc *godog.DocString) error {
	ws, err := s.Socket(name)
	if err != nil {
		return err
	}
	expanded, err := s.Expand(doc.Content)
	if err != nil {
		return err
	}
	if !json.Valid([]byte(expanded)) {
		return fmt.Errorf("websocket frame is not valid json:\n%s", expanded)
	}
	return ws.Conn.WriteMessage(websocket.TextMessage, []byte(expanded))
}

func (s *TestScenario) websocketShouldReceiveEvent(name, eventType string, seconds int) error {
	return s.websocketShouldReceiveEventAs(name, eventType, seconds, "event")
}

func (s *TestScenario) websocketShouldReceiveEventAs(name, eventType string, seconds int, as string) error {
	ws, err := s.Socket(name)
	if err != nil {
		return err
	}
	event, err := ws.Next(eventType, time.Duration(seconds)*time.Second)
	if err != nil {
		return err
	}
	s.Variables[as] = event
	return nil
}

func (s *TestScenario) websocketShouldNotReceiveEvent(name, eventType string, millis int) error {
	ws, err := s.Socket(name)
	if err != nil {
		return err
	}
	event, err := ws.Next(eventType, time.Duration(millis)*time.Millisecond)
	if err == nil {
		data, _ := json.Marshal(event)
		return fmt.Errorf("websocket %q unexpectedly received %s", name, data)
	}
	return nil
}

func (s *TestScenario) theVariableShouldContainJSON(name string, expected *godog.DocString) error {
	value, err := s.Resolve(name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.JSONMustContain(string(data), expected.Content, true)
}
