package main

import (
	"fmt"
	"io"
	"os"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("TASKMESH_VAULT_PASSPHRASE environment variable is required")
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	v := vault.New(cfg.Vault.Passphrase, db)

	switch args[0] {
	case "list":
		return vaultList(v)
	case "set":
		return vaultSet(v, args[1:])
	case "get":
		return vaultGet(v, args[1:])
	case "delete":
		return vaultDelete(v, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: taskmesh vault <command>

Commands:
  list                List secret names
  set <name> <value>  Store a secret (use "-" to read the value from stdin)
  get <name>          Retrieve and decrypt a secret
  delete <name>       Delete a secret

Environment:
  TASKMESH_VAULT_PASSPHRASE   Required. Encryption passphrase.
`)
}

func vaultList(v *vault.Vault) error {
	names, err := v.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func vaultSet(v *vault.Vault, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: taskmesh vault set <name> <value>")
	}
	name, value := args[0], args[1]

	if value == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		value = string(data)
	}

	if err := v.Set(name, value); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", name)
	return nil
}

func vaultGet(v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: taskmesh vault get <name>")
	}

	value, err := v.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Print(value)
	if len(value) > 0 && value[len(value)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func vaultDelete(v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: taskmesh vault delete <name>")
	}
	if err := v.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
