package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/policybundle"
)

// adminURL builds the base URL of a running gateway's admin surface,
// mirroring the teacher's resolvePort-then-localhost-URL pattern for
// every CLI subcommand that talks to a live process rather than reading
// local state directly.
func adminURL(port int, path string) string {
	p := port
	if p == 0 {
		p = 8081
	}
	return fmt.Sprintf("http://localhost:%d%s", p, path)
}

func policyCmd() *cobra.Command {
	var adminPort int

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy bundle management commands",
	}

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Parse and compile a policy bundle without installing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, _, err := policybundle.LoadFile(args[0])
			if err != nil {
				fmt.Printf("✗ Invalid bundle: %s\n", err)
				return err
			}
			fmt.Printf("✓ Bundle valid: %s\n", args[0])
			fmt.Printf("  Version: %s\n", bundle.Version)
			fmt.Printf("  Rules:   %d\n", bundle.RuleCount())
			return nil
		},
	}

	signCmd := &cobra.Command{
		Use:   "sign [file] [private-key-b64]",
		Short: "Sign a bundle file, writing file.sig alongside it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading bundle: %w", err)
			}
			raw, err := base64.StdEncoding.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("decoding private key: %w", err)
			}
			sf := policybundle.Sign(data, ed25519.PrivateKey(raw))
			sigData, err := json.MarshalIndent(sf, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0]+".sig", sigData, 0o644); err != nil {
				return fmt.Errorf("writing signature file: %w", err)
			}
			fmt.Printf("✓ Signed %s -> %s.sig\n", args[0], args[0])
			return nil
		},
	}

	simulateCmd := &cobra.Command{
		Use:   "simulate [tool] [arguments-json]",
		Short: "Evaluate one tool call against a bundle with no side effects",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			argsJSON := "{}"
			if len(args) == 2 {
				argsJSON = args[1]
			}
			var arguments map[string]interface{}
			if err := json.Unmarshal([]byte(argsJSON), &arguments); err != nil {
				return fmt.Errorf("invalid arguments JSON: %w", err)
			}

			var rules []policy.RuleSource
			defaultDecision := "deny"
			bundleFile, _ := cmd.Flags().GetString("bundle")
			if bundleFile != "" {
				data, err := os.ReadFile(bundleFile)
				if err != nil {
					return fmt.Errorf("reading bundle: %w", err)
				}
				var raw policybundle.BundleYAML
				if err := yaml.Unmarshal(data, &raw); err != nil {
					return fmt.Errorf("malformed bundle: %w", err)
				}
				rules = raw.Rules
				if raw.Defaults.Decision != "" {
					defaultDecision = raw.Defaults.Decision
				}
			}

			payload, _ := json.Marshal(map[string]interface{}{
				"rules":            rules,
				"default_decision": defaultDecision,
				"tool":             args[0],
				"arguments":        arguments,
			})
			resp, err := http.Post(adminURL(adminPort, "/v1/policy/simulate"), "application/json", strings.NewReader(string(payload)))
			if err != nil {
				return fmt.Errorf("failed to connect to gateway: %w", err)
			}
			defer resp.Body.Close()
			var result map[string]interface{}
			if err := decodeJSON(resp, &result); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			fmt.Printf("decision: %v  rule: %v  reason: %v\n", result["decision"], result["rule"], result["reason"])
			return nil
		},
	}
	simulateCmd.Flags().String("bundle", "", "Bundle file to simulate against (without it no rules are sent and the result is the default deny; the simulator never reaches into the live store)")

	cmd.PersistentFlags().IntVar(&adminPort, "admin-port", 0, "Admin API port (default 8081)")
	cmd.AddCommand(validateCmd, signCmd, simulateCmd)
	return cmd
}

func auditCmd() *cobra.Command {
	var auditURL string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit hash-chain inspection commands",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify [chain-id]",
		Short: "Verify hash chain integrity for one audit chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appender, err := openAuditAppender(auditURL)
			if err != nil {
				return fmt.Errorf("opening audit store: %w", err)
			}
			entries, err := appender.Range(args[0], time.Time{}, time.Now())
			if err != nil {
				return fmt.Errorf("reading chain: %w", err)
			}
			ok, brokenAt := audit.VerifyChain(entries)
			if ok {
				fmt.Printf("✓ Hash chain intact for %s (%d entries verified)\n", args[0], len(entries))
			} else {
				fmt.Printf("✗ Hash chain broken for %s at entry %d\n", args[0], brokenAt)
			}
			return nil
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export [chain-id]",
		Short: "Dump an audit chain's entries as newline-delimited JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appender, err := openAuditAppender(auditURL)
			if err != nil {
				return fmt.Errorf("opening audit store: %w", err)
			}
			entries, err := appender.Range(args[0], time.Time{}, time.Now())
			if err != nil {
				return fmt.Errorf("reading chain: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&auditURL, "store", "", "Audit store URL (default memory://; pass the same sqlite:// path the server uses to inspect a running gateway's history)")
	cmd.AddCommand(verifyCmd, exportCmd)
	return cmd
}

func approvalCmd() *cobra.Command {
	var storeURL string

	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Approval queue inspection and resolution commands",
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve [pending-id] [approve|deny]",
		Short: "Record an operator decision directly against the coordinating store, bypassing the signed callback",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			approver, _ := cmd.Flags().GetString("approver")
			if approver == "" {
				approver = "cli-operator"
			}
			coordStore, err := openCoordinator(storeURL)
			if err != nil {
				return fmt.Errorf("opening coordinator store: %w", err)
			}
			store := approval.NewStore(coordStore, nil)
			record, err := store.RecordDecision(cmd.Context(), args[0], approver, args[1])
			if err != nil {
				return fmt.Errorf("recording decision: %w", err)
			}
			fmt.Printf("pending_id: %s  status: %s  decisions: %d/%d\n", record.PendingID, record.Status, len(record.Decisions), record.RequiredApprovals)
			return nil
		},
	}
	resolveCmd.Flags().String("approver", "", "Approver ID to attribute the decision to (default: cli-operator)")

	cmd.PersistentFlags().StringVar(&storeURL, "store", "", "Coordinator store URL (default: memory://)")
	cmd.AddCommand(resolveCmd)
	return cmd
}
