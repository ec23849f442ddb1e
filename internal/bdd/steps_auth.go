package bdd

import (
	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		ctx.Step(`^I am authenticated as user "([^"]*)"$`, func(userID string) error {
			// In testing mode the bearer token is the user id.
			s.UseUser(userID)
			return nil
		})
	})
}
