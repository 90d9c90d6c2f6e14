package cucumber

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^I (GET|POST) path "([^"]*)"$`, s.sendHTTPRequest)
		ctx.Step(`^I (GET|POST) path "([^"]*)" with json body:$`, s.SendHTTPRequestWithJSONBody)
		ctx.Step(`^I (GET|POST) path "([^"]*)" without authentication$`, s.sendHTTPRequestWithoutAuth)
		ctx.Step(`^I call GET "([^"]*)" with query "([^"]*)"$`, s.iCallGetWithQuery)
		ctx.Step(`^I wait up to "([^"]*)" seconds for a GET on path "([^"]*)" response code to match "([^"]*)"$`, s.iWaitUpToSecondsForAGETOnPathResponseCodeToMatch)
		ctx.Step(`^I set the "([^"]*)" header to "([^"]*)"$`, s.iSetTheHeaderTo)
		ctx.Step(`^I set the "([^"]*)" cookie to "([^"]*)"$`, s.iSetTheCookieTo)
		ctx.Step(`^I wait "([^"]*)" seconds$`, s.iWaitSeconds)
	})
}

func (s *TestScenario) sendHTTPRequest(method, path string) error {
	return s.SendHTTPRequestWithJSONBody(method, path, nil)
}

func (s *TestScenario) SendHTTPRequestWithJSONBody(method, path string, jsonTxt *godog.DocString) error {
	var body string
	if jsonTxt != nil {
		expanded, err := s.Expand(jsonTxt.Content)
		if err != nil {
			return err
		}
		body = expanded
	}
	return s.SendHTTPRequest(method, path, []byte(body))
}

func (s *TestScenario) sendHTTPRequestWithoutAuth(method, path string) error {
	session := s.Session()
	session.Header.Del("Authorization")
	savedUser := session.TestUser
	session.TestUser = nil
	defer func() { session.TestUser = savedUser }()
	return s.sendHTTPRequest(method, path)
}

// SendHTTPRequest sends body to path as the current user and records the
// response in the user's session.
func (s *TestScenario) SendHTTPRequest(method, path string, body []byte) (err error) {
	defer func() {
		switch t := recover().(type) {
		case string:
			err = errors.New(t)
		case error:
			err = t
		}
	}()

	session := s.Session()

	expandedPath, err := s.Expand(path)
	if err != nil {
		return err
	}

	fullURL := ""
	expandedPathURL, err := url.Parse(expandedPath)
	if err == nil && expandedPathURL.Scheme != "" {
		fullURL = expandedPath
	} else {
		fullURL = s.Suite.APIURL + expandedPath
	}

	// Reset response state
	session.Resp = nil
	session.SetRespBytes(nil)

	req, err := http.NewRequestWithContext(context.Background(), method, fullURL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	// Consume session headers on every request except Authorization
	req.Header = session.Header
	session.Header = http.Header{}

	if req.Header.Get("Authorization") != "" {
		session.Header.Set("Authorization", req.Header.Get("Authorization"))
	} else if session.TestUser != nil && session.TestUser.Subject != "" {
		req.Header.Set("Authorization", "Bearer "+session.TestUser.Subject)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := session.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	session.Resp = resp
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	session.SetRespBytes(respBytes)
	return nil
}

func (s *TestScenario) iCallGetWithQuery(path, queryString string) error {
	expandedQuery, err := s.Expand(queryString)
	if err != nil {
		return err
	}
	if strings.Contains(path, "?") {
		path = path + "&" + expandedQuery
	} else {
		path = path + "?" + expandedQuery
	}
	return s.sendHTTPRequest(http.MethodGet, path)
}

func (s *TestScenario) iSetTheHeaderTo(name, value string) error {
	expanded, err := s.Expand(value)
	if err != nil {
		return err
	}
	s.Session().Header.Set(name, expanded)
	return nil
}

func (s *TestScenario) iSetTheCookieTo(name, value string) error {
	expanded, err := s.Expand(value)
	if err != nil {
		return err
	}
	session := s.Session()
	session.Header.Add("Cookie", (&http.Cookie{Name: name, Value: expanded}).String())
	return nil
}

func (s *TestScenario) iWaitUpToSecondsForAGETOnPathResponseCodeToMatch(timeout float64, path string, expected int) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout*float64(time.Second)))
	defer cancel()

	for {
		err := s.sendHTTPRequest("GET", path)
		if err == nil {
			err = s.theResponseCodeShouldBe(expected)
			if err == nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return err
		default:
			time.Sleep(time.Duration(timeout * float64(time.Second) / 10.0))
		}
	}
}

func (s *TestScenario) iWaitSeconds(seconds float64) error {
	time.Sleep(time.Duration(seconds * float64(time.Second)))
	return nil
}
