package cmd

import (
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/porthorian/planauth"
	httptransport "github.com/porthorian/planauth/pkg/transport/http"
)

func newRequestCommand(opts *rootOptions) *cobra.Command {
	var data string

	requestCmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send an authenticated request and print the response body",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(opts, func(cmd *cobra.Command, client *planauth.Client, args []string) error {
			req := httptransport.Request{
				Method: strings.ToUpper(args[0]),
				Path:   args[1],
				Header: http.Header{},
			}
			if data != "" {
				req.Body = []byte(data)
				req.Header.Set(httptransport.HeaderContentType, httptransport.ContentTypeJSON)
			}

			resp, err := client.Do(contextOf(cmd), req)
			if err != nil {
				return describeError(err)
			}

			cmd.PrintErrf("HTTP %d\n", resp.StatusCode)
			if _, err := cmd.OutOrStdout().Write(resp.Body); err != nil {
				return err
			}
			return resp.Err()
		}),
	}

	requestCmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body.")
	return requestCmd
}

func newDashboardCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Print the user, subjects, tasks, plannings and statistics",
		Args:  cobra.NoArgs,
		RunE: withClient(opts, func(cmd *cobra.Command, client *planauth.Client, args []string) error {
			dashboard, err := client.Dashboard(contextOf(cmd))
			if err != nil {
				return describeError(err)
			}
			return printJSON(cmd, dashboard)
		}),
	}
}
