package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/deployer/pkg/config"
)

const exampleProfile = `# Deployment profile. See "deployer validate" for checks.
deployment: default
description: Example deployment

units:
  - id: example
    attributes:
      - key: greeting
        value: hello
    commands: [install, status]
`

const exampleScript = `#!/bin/sh
# Unit scripts receive their resolved properties in $DEPLOYER_PROPERTIES_FILE.
set -e
cat "$DEPLOYER_PROPERTIES_FILE"
`

func newInitCommand(opts *globalOptions) *cobra.Command {
	var (
		force bool
		noKey bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a solution directory",
		Long: `Initialize a solution directory with settings, an example profile and unit
script, the execution-state database and an SSH keypair for remote hosts.

Existing files are left alone unless --force is given.`,
		Example: `  # Initialize the current directory
  deployer init

  # Initialize another directory without generating a key
  deployer init -C ./shop --no-key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			dir, err := filepath.Abs(opts.dir)
			if err != nil {
				return fmt.Errorf("failed to resolve solution directory: %w", err)
			}
			fmt.Fprintf(out, "Initializing solution in %s\n\n", dir)

			settings := config.DefaultSettings(dir)
			keyPath := filepath.Join(".deployer", "keys", "id_ed25519")
			if !noKey {
				settings.SSH.KeyPath = keyPath
			}

			// Step 1: Create directory structure
			for _, d := range []string{
				dir,
				settings.Resolve(settings.ScriptsDir),
				settings.Resolve(".deployer"),
				settings.Resolve(filepath.Join(".deployer", "keys")),
			} {
				if err := os.MkdirAll(d, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
			}
			fmt.Fprintf(out, "✓ Created directories\n")

			// Step 2: Settings
			settingsPath := filepath.Join(dir, config.SettingsFile)
			if exists(settingsPath) && !force {
				fmt.Fprintf(out, "✓ Settings already exist: %s\n", settingsPath)
				loaded, _, err := config.LoadSettings(dir)
				if err != nil {
					return err
				}
				settings = loaded
			} else {
				if err := settings.Save(); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Created settings: %s\n", settingsPath)
			}

			// Step 3: Example profile and script
			if _, err := config.ResolvePath(settings.ProfilePath()); err != nil || force {
				path := filepath.Join(dir, "profile.yaml")
				if err := os.WriteFile(path, []byte(exampleProfile), 0o644); err != nil {
					return fmt.Errorf("failed to write profile: %w", err)
				}
				fmt.Fprintf(out, "✓ Created profile: %s\n", path)

				script := filepath.Join(settings.Resolve(settings.ScriptsDir), "example", "install")
				if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
					return fmt.Errorf("failed to create script directory: %w", err)
				}
				if err := os.WriteFile(script, []byte(exampleScript), 0o755); err != nil {
					return fmt.Errorf("failed to write script: %w", err)
				}
				fmt.Fprintf(out, "✓ Created unit script: %s\n", script)
			} else {
				fmt.Fprintf(out, "✓ Profile already exists\n")
			}

			// Step 4: State database
			a := &app{opts: opts, settings: settings}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Fprintf(out, "✓ Initialized state database: %s\n", settings.Resolve(settings.StateDB))

			// Step 5: SSH keypair
			if !noKey {
				if err := ensureKeypair(out, settings.Resolve(keyPath)); err != nil {
					return err
				}
			}

			fmt.Fprintf(out, "\nSolution initialized.\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Describe your units in the profile and validate it:\n")
			fmt.Fprintf(out, "     deployer validate\n\n")
			fmt.Fprintf(out, "  2. Preview and run a command:\n")
			fmt.Fprintf(out, "     deployer plan install && deployer execute install\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing settings and profile")
	cmd.Flags().BoolVar(&noKey, "no-key", false, "do not generate an SSH keypair")

	return cmd
}

// ensureKeypair writes an ed25519 keypair in OpenSSH format unless one exists.
func ensureKeypair(out io.Writer, keyPath string) error {
	if exists(keyPath) {
		fmt.Fprintf(out, "✓ SSH keypair already exists: %s\n", keyPath)
		return nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "deployer")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privKeyBytes), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	fmt.Fprintf(out, "✓ Generated SSH keypair: %s\n", keyPath)
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
