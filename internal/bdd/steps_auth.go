package bdd

import (
	"github.com/cucumber/godog"
	"github.com/hapmoniym/blog-service/internal/testutil/cucumber"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		a := &authSteps{s: s}
		ctx.Step(`^I am authenticated as user "([^"]*)"$`, a.iAmAuthenticatedAsUser)
		ctx.Step(`^I authenticate as user "([^"]*)"$`, a.iAmAuthenticatedAsUser)
		ctx.Step(`^I am not authenticated$`, a.iAmNotAuthenticated)
	})
}

type authSteps struct {
	s *cucumber.TestScenario
}

// iAmAuthenticatedAsUser switches to userID's session. The server runs in
// testing mode, so the bearer token is the user ID itself.
func (a *authSteps) iAmAuthenticatedAsUser(userID string) error {
	a.s.Suite.Mu.Lock()
	defer a.s.Suite.Mu.Unlock()
	if a.s.Users[userID] == nil {
		a.s.Users[userID] = &cucumber.TestUser{
			Name:    userID,
			Subject: userID,
		}
	}
	a.s.CurrentUser = userID
	return nil
}

func (a *authSteps) iAmNotAuthenticated() error {
	a.s.CurrentUser = ""
	return nil
}
