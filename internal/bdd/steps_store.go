package bdd

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
	"github.com/hapmoniym/blog-service/internal/testutil/cucumber"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		if s.Suite.DB == nil {
			return
		}
		// Clear database before each scenario.
		ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
			return ctx, s.Suite.DB.ClearAll(ctx)
		})
		ctx.Step(`^the store should have (\d+) (users|conversations|participants|messages) for conversation "([^"]*)"$`,
			func(expected int64, kind, conversationID string) error {
				expanded, err := s.Expand(conversationID)
				if err != nil {
					return err
				}
				n, err := s.Suite.DB.Count(context.Background(), kind, expanded)
				if err != nil {
					return err
				}
				if n != expected {
					return fmt.Errorf("expected %d %s for conversation %s, found %d", expected, kind, expanded, n)
				}
				return nil
			})
	})
}
