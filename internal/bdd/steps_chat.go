package bdd

import (
	"fmt"

	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		c := &chatSteps{s: s}
		ctx.Step(`^I have a conversation with "([^"]*)" stored as \${([^}]*)}$`, c.iHaveAConversationWith)
		ctx.Step(`^I send "([^"]*)" to conversation \${([^}]*)}$`, c.iSendToConversation)
		ctx.Step(`^my unread count should be (\d+)$`, c.myUnreadCountShouldBe)
	})
}

type chatSteps struct {
	s *cucumber.TestScenario
}

func (c *chatSteps) iHaveAConversationWith(participant, as string) error {
	body := &godog.DocString{Content: fmt.Sprintf(`{"participantId": %q}`, participant)}
	if err := c.s.SendHTTPRequestWithJSONBody("POST", "/v1/conversations", body); err != nil {
		return err
	}
	if err := c.expectStatus(200); err != nil {
		return err
	}
	doc, err := c.s.Session().RespJSON()
	if err != nil {
		return err
	}
	id, err := cucumber.Select(doc, ".id")
	if err != nil {
		return err
	}
	c.s.Variables[as] = id
	return nil
}

func (c *chatSteps) iSendToConversation(content, variable string) error {
	body := &godog.DocString{Content: fmt.Sprintf(`{"content": %q}`, content)}
	if err := c.s.SendHTTPRequestWithJSONBody("POST", "/v1/conversations/${"+variable+"}/messages", body); err != nil {
		return err
	}
	return c.expectStatus(201)
}

func (c *chatSteps) myUnreadCountShouldBe(expected int) error {
	if err := c.s.SendHTTPRequestWithJSONBody("GET", "/v1/messages/unread-count", nil); err != nil {
		return err
	}
	if err := c.expectStatus(200); err != nil {
		return err
	}
	doc, err := c.s.Session().RespJSON()
	if err != nil {
		return err
	}
	count, err := cucumber.Select(doc, ".count")
	if err != nil {
		return err
	}
	if n, ok := count.(float64); !ok || int(n) != expected {
		return fmt.Errorf("expected unread count %d, got %v", expected, count)
	}
	return nil
}

func (c *chatSteps) expectStatus(code int) error {
	session := c.s.Session()
	if session.Resp == nil {
		return fmt.Errorf("no HTTP response available")
	}
	if session.Resp.StatusCode != code {
		return fmt.Errorf("expected response code %d, got %d: %s", code, session.Resp.StatusCode, session.RespBytes)
	}
	return nil
}
