package bdd

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
	"github.com/hapmoniym/blog-service/internal/cmd/serve"
	"github.com/hapmoniym/blog-service/internal/model"
	"github.com/hapmoniym/blog-service/internal/testutil/cucumber"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		ctx.Step(`^the following users exist:$`, func(table *godog.Table) error {
			return theFollowingUsersExist(s, table)
		})
	})
}

// theFollowingUsersExist saves one user per table row. The header row names the
// columns: id, name, username and optionally photo.
func theFollowingUsersExist(s *cucumber.TestScenario, table *godog.Table) error {
	srv, ok := s.Suite.Context.(*serve.Server)
	if !ok {
		return fmt.Errorf("suite context is %T, not *serve.Server", s.Suite.Context)
	}
	if len(table.Rows) < 2 {
		return fmt.Errorf("users table needs a header row and at least one user")
	}

	header := table.Rows[0].Cells
	for _, row := range table.Rows[1:] {
		fields := map[string]string{}
		for i, cell := range row.Cells {
			fields[header[i].Value] = cell.Value
		}
		user := model.User{
			ID:       fields["id"],
			Name:     fields["name"],
			Username: fields["username"],
			Photo:    fields["photo"],
		}
		if user.Username == "" {
			user.Username = user.ID
		}
		if user.Name == "" {
			user.Name = user.Username
		}
		if _, err := srv.Service.SaveUser(context.Background(), user); err != nil {
			return fmt.Errorf("save user %s: %w", user.ID, err)
		}
	}
	return nil
}
