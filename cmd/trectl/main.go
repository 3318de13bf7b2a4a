// Command trectl is the operator CLI: key material, enforcement mode,
// approvals and offline verification of audit ledgers and signatures.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"ransomeye/pkg/httpx"

	"github.com/spf13/cobra"
)

var osExit = os.Exit

type globalOptions struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out, errOut io.Writer) error {
	root := newRootCmd(&globalOptions{})
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	return root.Execute()
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "trectl",
		Short:         "Operate the RansomEye command authority",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.url, "url", envOr("TRECTL_URL", "http://localhost:8080"), "orchestrator base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TRECTL_TOKEN"), "bearer token (env TRECTL_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(newKeysCmd(), newModeCmd(opts), newApprovalsCmd(opts), newAuditCmd(opts), newSignCheckCmd())
	return root
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// call performs one authenticated request against the orchestrator and
// decodes a 2xx body into out. Denials are surfaced with their code.
func (o *globalOptions) call(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = b
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	headers := map[string]string{}
	if o.token != "" {
		headers["Authorization"] = "Bearer " + o.token
	}
	status, resp, err := httpx.DoJSON(ctx, o.client, method, strings.TrimRight(o.url, "/")+path, raw, headers)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if status < 200 || status > 299 {
		var denial struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(resp, &denial) == nil && denial.Code != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, status, denial.Code, denial.Error)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, status, strings.TrimSpace(string(resp)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
