package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tyemirov/dashgate/pkg/dashapi"
)

func newLoginCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "login",
		Short:   "Log in with username and password and store the token pair",
		Args:    cobra.NoArgs,
		PreRunE: prepareClientConfig,
		RunE: withClient(func(command *cobra.Command, arguments []string, runtime *clientRuntime) error {
			username, _ := command.Flags().GetString("username")
			password, _ := command.Flags().GetString("password")
			session, err := runtime.client.Login(commandContext(command), username, password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(command.OutOrStdout(), "logged in; access token expires at %s\n", session.ExpiresAt.Format(time.RFC3339))
			return err
		}),
	}
	command.Flags().String("username", "", "Account username")
	command.Flags().String("password", "", "Account password")
	return command
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "logout",
		Short:   "Revoke the refresh token and clear stored tokens",
		Args:    cobra.NoArgs,
		PreRunE: prepareClientConfig,
		RunE: withClient(func(command *cobra.Command, arguments []string, runtime *clientRuntime) error {
			if err := runtime.client.Logout(commandContext(command)); err != nil {
				return err
			}
			_, err := fmt.Fprintln(command.OutOrStdout(), "logged out")
			return err
		}),
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:     "whoami",
		Short:   "Show the authenticated profile",
		Args:    cobra.NoArgs,
		PreRunE: prepareClientConfig,
		RunE: withClient(func(command *cobra.Command, arguments []string, runtime *clientRuntime) error {
			profile, err := runtime.client.Me(commandContext(command))
			if err != nil {
				return err
			}
			return writeJSON(command.OutOrStdout(), profile)
		}),
	}
}

func newRequestCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "request METHOD PATH",
		Short:   "Send an authenticated request and print the response body",
		Args:    cobra.ExactArgs(2),
		PreRunE: prepareClientConfig,
		RunE: withClient(func(command *cobra.Command, arguments []string, runtime *clientRuntime) error {
			data, _ := command.Flags().GetString("data")
			method := strings.ToUpper(strings.TrimSpace(arguments[0]))
			statusCode, body, err := runtime.client.Raw(commandContext(command), method, arguments[1], []byte(data))
			if err != nil {
				return err
			}
			if _, writeErr := command.OutOrStdout().Write(body); writeErr != nil {
				return writeErr
			}
			if statusCode >= http.StatusBadRequest {
				return fmt.Errorf("%s: %s %s returned %d", configCodeUnexpectedHTTPFailure, method, arguments[1], statusCode)
			}
			return nil
		}),
	}
	command.Flags().String("data", "", "JSON request body")
	return command
}

func newSearchCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "search",
		Short:   "Run a telemetry search",
		Args:    cobra.NoArgs,
		PreRunE: prepareClientConfig,
		RunE: withClient(func(command *cobra.Command, arguments []string, runtime *clientRuntime) error {
			request, err := searchRequestFromFlags(command)
			if err != nil {
				return err
			}
			result, err := runtime.client.Search(commandContext(command), request)
			if err != nil {
				return err
			}
			return writeJSON(command.OutOrStdout(), result)
		}),
	}
	addSearchFlags(command)
	command.Flags().Int("offset", 0, "Number of records to skip")
	return command
}

func newPresetsCommand() *cobra.Command {
	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "Manage saved searches",
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List saved searches",
		Args:    cobra.NoArgs,
		PreRunE: prepareClientConfig,
		RunE: withClient(func(command *cobra.Command, arguments []string, runtime *clientRuntime) error {
			presets, err := runtime.client.ListPresets(commandContext(command))
			if err != nil {
				return err
			}
			return writeJSON(command.OutOrStdout(), presets)
		}),
	}

	saveCmd := &cobra.Command{
		Use:     "save NAME",
		Short:   "Save the search described by the flags under NAME",
		Args:    cobra.ExactArgs(1),
		PreRunE: prepareClientConfig,
		RunE: withClient(func(command *cobra.Command, arguments []string, runtime *clientRuntime) error {
			if strings.TrimSpace(arguments[0]) == "" {
				return configError(configCodeMissingPresetName, "preset name must be non-empty")
			}
			request, err := searchRequestFromFlags(command)
			if err != nil {
				return err
			}
			saved, err := runtime.client.SavePreset(commandContext(command), arguments[0], request)
			if err != nil {
				return err
			}
			return writeJSON(command.OutOrStdout(), saved)
		}),
	}
	addSearchFlags(saveCmd)

	deleteCmd := &cobra.Command{
		Use:     "delete ID",
		Short:   "Delete a saved search",
		Args:    cobra.ExactArgs(1),
		PreRunE: prepareClientConfig,
		RunE: withClient(func(command *cobra.Command, arguments []string, runtime *clientRuntime) error {
			if err := runtime.client.DeletePreset(commandContext(command), arguments[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(command.OutOrStdout(), "deleted %s\n", arguments[0])
			return err
		}),
	}

	presetsCmd.AddCommand(listCmd, saveCmd, deleteCmd)
	return presetsCmd
}

func addSearchFlags(command *cobra.Command) {
	command.Flags().String("query", "", "Free-text query")
	command.Flags().String("protocol", "", "Protocol to restrict the search to")
	command.Flags().Int("limit", 0, "Maximum number of records")
	command.Flags().StringArray("filter", nil, "Filter as field=v1,v2 or field:operator=v1,v2 (repeatable)")
	command.Flags().String("from", "", "Start of the time range (RFC3339)")
	command.Flags().String("to", "", "End of the time range (RFC3339)")
}

// searchRequestFromFlags builds a SearchRequest from the flags registered by addSearchFlags.
func searchRequestFromFlags(command *cobra.Command) (dashapi.SearchRequest, error) {
	query, _ := command.Flags().GetString("query")
	protocol, _ := command.Flags().GetString("protocol")
	limit, _ := command.Flags().GetInt("limit")
	expressions, _ := command.Flags().GetStringArray("filter")

	filters := dashapi.NewFilterSet()
	for _, expression := range expressions {
		if !filters.ParseFilterExpression(expression) {
			return dashapi.SearchRequest{}, configError(configCodeInvalidFilter, fmt.Sprintf("cannot parse filter %q", expression))
		}
	}

	request := dashapi.SearchRequest{
		Query:    query,
		Protocol: protocol,
		Filters:  filters.Filters(),
		Limit:    limit,
	}
	if offsetFlag := command.Flags().Lookup("offset"); offsetFlag != nil {
		request.Offset, _ = command.Flags().GetInt("offset")
	}

	timeRange, err := timeRangeFromFlags(command)
	if err != nil {
		return dashapi.SearchRequest{}, err
	}
	request.TimeRange = timeRange
	return request, nil
}

func timeRangeFromFlags(command *cobra.Command) (*dashapi.TimeRange, error) {
	fromText, _ := command.Flags().GetString("from")
	toText, _ := command.Flags().GetString("to")
	if strings.TrimSpace(fromText) == "" && strings.TrimSpace(toText) == "" {
		return nil, nil
	}
	var timeRange dashapi.TimeRange
	if strings.TrimSpace(fromText) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(fromText))
		if err != nil {
			return nil, configError(configCodeInvalidTimeRange, fmt.Sprintf("from must be RFC3339: %v", err))
		}
		timeRange.From = &parsed
	}
	if strings.TrimSpace(toText) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(toText))
		if err != nil {
			return nil, configError(configCodeInvalidTimeRange, fmt.Sprintf("to must be RFC3339: %v", err))
		}
		timeRange.To = &parsed
	}
	if timeRange.From != nil && timeRange.To != nil && timeRange.To.Before(*timeRange.From) {
		return nil, configError(configCodeInvalidTimeRange, "to must not be before from")
	}
	return &timeRange, nil
}
