// Command gazorpctl is the gateway's operator CLI: register agents,
// rotate their signing keys, adjust their permissions, and validate a
// policy ruleset file before deploying it. Grounded in the teacher's
// cmd/sigtool (cobra command tree, one RunE per subcommand, flags for
// file/key inputs) repointed from JobSpec signing at agent identity
// and policy administration.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/jamie-anson/gazorpazorp/internal/config"
	"github.com/jamie-anson/gazorpazorp/internal/identity"
	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/pkg/agentcrypto"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gazorpctl",
	Short: "Gazorpazorp gateway operator CLI",
	Long:  "A CLI tool for managing agent identities and policy rulesets on a Gazorpazorp gateway",
}

var registerCmd = &cobra.Command{
	Use:   "register-agent",
	Short: "Generate a fresh Ed25519 key pair and register it as a new agent",
	RunE:  runRegisterAgent,
}

var rotateCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Rotate an agent's signing key to a freshly generated key pair",
	RunE:  runRotateKey,
}

var setPermsCmd = &cobra.Command{
	Use:   "set-permissions",
	Short: "Replace an agent's permissions from a JSON file",
	RunE:  runSetPermissions,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Policy ruleset utilities",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a policy ruleset JSON file's shape without loading it",
	RunE:  runRulesValidate,
}

var (
	fingerprintFlag string
	permsFile       string
	outputDir       string
	rulesFile       string
)

func init() {
	registerCmd.Flags().StringVar(&outputDir, "output-dir", ".", "directory to write the new agent's private.key/public.key")

	rotateCmd.Flags().StringVar(&fingerprintFlag, "fingerprint", "", "fingerprint of the agent to rotate")
	rotateCmd.Flags().StringVar(&outputDir, "output-dir", ".", "directory to write the new private.key/public.key")
	rotateCmd.MarkFlagRequired("fingerprint")

	setPermsCmd.Flags().StringVar(&fingerprintFlag, "fingerprint", "", "fingerprint of the agent to update")
	setPermsCmd.Flags().StringVar(&permsFile, "permissions", "", "path to a JSON file matching gazmodels.Permissions")
	setPermsCmd.MarkFlagRequired("fingerprint")
	setPermsCmd.MarkFlagRequired("permissions")

	rulesValidateCmd.Flags().StringVar(&rulesFile, "file", "", "path to a JSON file containing a []gazmodels.PolicyRule array")
	rulesValidateCmd.MarkFlagRequired("file")

	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(registerCmd, rotateCmd, setPermsCmd, rulesCmd)
}

func openStore() (*identity.Store, error) {
	cfg := config.Load()
	store, err := kv.NewRedisStoreFromURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return identity.NewStore(store, nil, logger), nil
}

func writeKeyPair(dir string, kp *agentcrypto.KeyPair) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	privB64 := base64.StdEncoding.EncodeToString(kp.PrivateKey)
	pubB64 := agentcrypto.EncodePublicKey(kp.PublicKey)
	if err := os.WriteFile(dir+"/private.key", []byte(privB64), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(dir+"/public.key", []byte(pubB64), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Printf("Private key: %s/private.key (0600)\n", dir)
	fmt.Printf("Public key:  %s/public.key\n", dir)
	fmt.Printf("Public key (base64): %s\n", pubB64)
	return nil
}

func runRegisterAgent(cmd *cobra.Command, args []string) error {
	kp, err := agentcrypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	if err := writeKeyPair(outputDir, kp); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	pubB64 := agentcrypto.EncodePublicKey(kp.PublicKey)
	agent, err := store.RegisterAgent(context.Background(), pubB64, nil)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	fmt.Printf("Agent registered\n")
	fmt.Printf("  ID:          %s\n", agent.ID)
	fmt.Printf("  Fingerprint: %s\n", agent.Fingerprint)
	fmt.Printf("  Reputation:  %.1f\n", agent.Reputation)
	return nil
}

func runRotateKey(cmd *cobra.Command, args []string) error {
	kp, err := agentcrypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	if err := writeKeyPair(outputDir, kp); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	pubB64 := agentcrypto.EncodePublicKey(kp.PublicKey)
	agent, err := store.RotateKey(context.Background(), fingerprintFlag, pubB64)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}

	fmt.Printf("Agent %s rotated\n", agent.ID)
	fmt.Printf("  New fingerprint: %s\n", agent.Fingerprint)
	return nil
}

func runSetPermissions(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(permsFile)
	if err != nil {
		return fmt.Errorf("read permissions file: %w", err)
	}
	var perms gazmodels.Permissions
	if err := json.Unmarshal(data, &perms); err != nil {
		return fmt.Errorf("parse permissions file: %w", err)
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	agent, err := store.SetPermissions(context.Background(), fingerprintFlag, perms)
	if err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}

	fmt.Printf("Agent %s permissions updated\n", agent.ID)
	return nil
}

var validActions = map[gazmodels.Action]bool{
	gazmodels.ActionAllow:     true,
	gazmodels.ActionBlock:     true,
	gazmodels.ActionDeny:      true,
	gazmodels.ActionChallenge: true,
	gazmodels.ActionRateLimit: true,
}

var validOperators = map[gazmodels.ConditionOperator]bool{
	gazmodels.OpEq: true, gazmodels.OpNeq: true, gazmodels.OpGt: true,
	gazmodels.OpLt: true, gazmodels.OpContains: true, gazmodels.OpMatches: true, gazmodels.OpIn: true,
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(rulesFile)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	var rules []gazmodels.PolicyRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	seen := make(map[string]bool, len(rules))
	var problems []string
	for i, r := range rules {
		if r.ID == "" {
			problems = append(problems, fmt.Sprintf("rule %d: missing id", i))
		} else if seen[r.ID] {
			problems = append(problems, fmt.Sprintf("rule %d: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
		if len(r.Conditions) == 0 {
			problems = append(problems, fmt.Sprintf("rule %q: has no conditions and will match every request", r.ID))
		}
		for j, c := range r.Conditions {
			if c.Field == "" {
				problems = append(problems, fmt.Sprintf("rule %q condition %d: missing field", r.ID, j))
			}
			if !validOperators[c.Operator] {
				problems = append(problems, fmt.Sprintf("rule %q condition %d: unknown operator %q", r.ID, j, c.Operator))
			}
		}
		if !validActions[r.ActionSpec.Type] {
			problems = append(problems, fmt.Sprintf("rule %q: unknown action type %q", r.ID, r.ActionSpec.Type))
		}
		if r.ActionSpec.Type == gazmodels.ActionRateLimit {
			if _, ok := r.ActionSpec.Params["maxRequests"]; !ok {
				problems = append(problems, fmt.Sprintf("rule %q: rate_limit action missing params.maxRequests", r.ID))
			}
			if _, ok := r.ActionSpec.Params["windowSeconds"]; !ok {
				problems = append(problems, fmt.Sprintf("rule %q: rate_limit action missing params.windowSeconds", r.ID))
			}
		}
	}

	if len(problems) > 0 {
		fmt.Printf("%d rule(s), %d problem(s):\n", len(rules), len(problems))
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return fmt.Errorf("ruleset validation failed")
	}

	fmt.Printf("%d rule(s) valid\n", len(rules))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
