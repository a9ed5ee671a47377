package main

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/akarpov/markvault/internal/client/session"
	"github.com/akarpov/markvault/internal/client/store"
	syncapi "github.com/akarpov/markvault/internal/client/sync"
	"github.com/akarpov/markvault/internal/client/vaultflow"
	"github.com/akarpov/markvault/internal/config"
	"github.com/akarpov/markvault/internal/logger"
	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/vault"
)

var (
	version   string
	buildDate string
)

// app bundles everything the shell commands operate on.
type app struct {
	store   *store.Store
	session *session.Session
	api     *syncapi.API
	engine  *syncapi.Engine
	flow    *vaultflow.Flow
	scanner *bufio.Scanner
}

func main() {
	options := config.ParseClient()

	fmt.Printf("MarkVault Client\nVersion: %s\nBuild Date: %s\n",
		cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A"))

	l := logger.New()
	if err := l.Init(options.LogLevel); err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(options.DataDir, 0o700); err != nil {
		log.Fatal(err)
	}
	st, err := store.Open(filepath.Join(options.DataDir, "markvault.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := session.New()
	api := syncapi.NewAPI(options.ServerURL)
	bus := syncapi.NewBus()
	engine := syncapi.NewEngine(api, st, sess, bus, l.Log)
	flow := vaultflow.New(api, st, sess, engine, l.Log)

	// Restore persisted session state from the last run.
	if tok, err := st.GetState(ctx, store.StateToken); err == nil {
		api.SetToken(tok)
	}
	if mode, err := st.GetState(ctx, store.StateSyncMode); err == nil && mode == "encrypted" {
		sess.SetEncrypted(true)
	}

	go engine.Run(ctx)

	a := &app{
		store:   st,
		session: sess,
		api:     api,
		engine:  engine,
		flow:    flow,
		scanner: bufio.NewScanner(os.Stdin),
	}
	a.repl(ctx)
}

// repl runs the interactive shell loop.
func (a *app) repl(ctx context.Context) {
	for {
		fmt.Print("markvault> ")
		if !a.scanner.Scan() {
			return
		}
		args := strings.Fields(strings.TrimSpace(a.scanner.Text()))
		if len(args) == 0 {
			continue
		}

		var err error
		switch args[0] {
		case "help":
			printHelp()
		case "register":
			err = a.authenticate(ctx, args, a.api.Register)
		case "login":
			err = a.authenticate(ctx, args, a.api.Login)
		case "add":
			err = a.add(ctx, args)
		case "list":
			err = a.list(ctx, args)
		case "get":
			err = a.get(ctx, args)
		case "edit":
			err = a.edit(ctx, args)
		case "delete":
			err = a.delete(ctx, args)
		case "vault":
			err = a.vaultCmd(ctx, args)
		case "sync":
			err = a.engine.SyncNow(ctx)
			if err == nil {
				fmt.Println("Synced")
			}
		case "status":
			err = a.status(ctx)
		case "exit":
			fmt.Println("Bye")
			return
		default:
			fmt.Println("Unknown command. Type 'help' for a list of commands.")
		}
		if err != nil {
			fmt.Println("Error:", err)
		}
	}
}

func printHelp() {
	fmt.Println(`Commands:
  register <login>           create an account
  login <login>              sign in
  add bookmark|space|view    create a record
  list [bookmark|space|view] list records
  get <id>                   show one record
  edit <id>                  edit a record
  delete <id>                delete a record
  vault enable|disable|unlock|lock|status
  sync                       sync now
  status                     show sync status
  exit`)
}

func (a *app) authenticate(ctx context.Context, args []string, call func(context.Context, string, string) (string, error)) error {
	if len(args) < 2 {
		return errors.New("usage: " + args[0] + " <login>")
	}
	password, err := a.promptPassword("Password: ")
	if err != nil {
		return err
	}

	token, err := call(ctx, args[1], password)
	if err != nil {
		return err
	}
	if err := a.store.SetState(ctx, store.StateToken, token); err != nil {
		return err
	}
	if err := a.store.SetState(ctx, store.StateLogin, args[1]); err != nil {
		return err
	}
	fmt.Println("Signed in as", args[1])
	return a.afterSignIn(ctx)
}

// afterSignIn checks the account's vault state and the plaintext
// migration edge case before the first sync.
func (a *app) afterSignIn(ctx context.Context) error {
	conflict, err := a.flow.DetectMigrationConflict(ctx)
	if err != nil {
		return err
	}
	if conflict {
		_, envErr := a.api.FetchEnvelope(ctx)
		vaulted := envErr == nil
		if envErr != nil && !errors.Is(envErr, syncapi.ErrNoVault) {
			return envErr
		}
		fmt.Println("This device has local data, but the account already has its own.")
		fmt.Println("Choose: merge (keep both, the newest copy of each record wins) or cloud (discard local data).")
		choice, err := a.prompt("merge/cloud: ")
		if err != nil {
			return err
		}
		switch choice {
		case "merge":
			var pw string
			if vaulted {
				pw, err = a.promptPassword("Vault passphrase: ")
				if err != nil {
					return err
				}
			}
			if err := a.flow.ResolveMigration(ctx, vaultflow.MergeLocal, pw); err != nil {
				return err
			}
		case "cloud":
			if err := a.flow.ResolveMigration(ctx, vaultflow.CloudWins, ""); err != nil {
				return err
			}
		default:
			return errors.New("sync blocked until the migration conflict is resolved")
		}
	} else {
		// Adopt the account's mode.
		_, err := a.api.FetchEnvelope(ctx)
		switch {
		case err == nil:
			a.session.SetEncrypted(true)
			if err := a.store.SetState(ctx, store.StateSyncMode, "encrypted"); err != nil {
				return err
			}
			fmt.Println("This account has a vault. Use 'vault unlock' to access your data.")
		case errors.Is(err, syncapi.ErrNoVault):
		default:
			return err
		}
	}

	a.engine.Notify()
	return nil
}

var typeAliases = map[string]models.RecordType{
	"bookmark": models.Bookmark,
	"space":    models.Space,
	"view":     models.PinnedView,
}

func (a *app) add(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: add bookmark|space|view")
	}
	recordType, ok := typeAliases[args[1]]
	if !ok {
		return fmt.Errorf("unknown record type %q", args[1])
	}

	payload, err := a.promptPayload(recordType)
	if err != nil {
		return err
	}

	rec := models.Record{
		RecordID:   uuid.NewString(),
		RecordType: recordType,
		UpdatedAt:  time.Now().UTC(),
	}
	return a.saveLocal(ctx, rec, payload, 0)
}

func (a *app) edit(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: edit <id>")
	}
	rec, err := a.find(ctx, args[1])
	if err != nil {
		return err
	}

	current, err := a.payloadOf(rec)
	if err != nil {
		return err
	}
	fmt.Println("Current:", current)

	payload, err := a.promptPayload(rec.RecordType)
	if err != nil {
		return err
	}
	return a.saveLocal(ctx, *rec, payload, rec.Version)
}

func (a *app) delete(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: delete <id>")
	}
	rec, err := a.find(ctx, args[1])
	if err != nil {
		return err
	}

	if err := a.store.Delete(ctx, rec.RecordID, rec.RecordType); err != nil {
		return err
	}
	a.store.InvalidateDerived()
	entry := models.OutboxEntry{
		RecordID:    rec.RecordID,
		RecordType:  rec.RecordType,
		BaseVersion: rec.Version,
		Deleted:     true,
	}
	if a.session.Encrypted() {
		entry.Ciphertext = rec.Ciphertext
	} else {
		entry.Data = rec.Data
	}
	if err := a.store.Enqueue(ctx, entry); err != nil {
		return err
	}
	a.engine.Notify()
	fmt.Println("Deleted", rec.RecordID)
	return nil
}

// saveLocal writes a mutation locally and queues it for sync,
// encrypting the payload first when the vault is on.
func (a *app) saveLocal(ctx context.Context, rec models.Record, payload string, baseVersion int64) error {
	entry := models.OutboxEntry{
		RecordID:    rec.RecordID,
		RecordType:  rec.RecordType,
		BaseVersion: baseVersion,
	}
	if a.session.Encrypted() {
		key, err := a.session.Key()
		if err != nil {
			return err
		}
		ct, err := vault.Encrypt([]byte(payload), key)
		if err != nil {
			return err
		}
		rec.Data = ""
		rec.Ciphertext = ct
		entry.Ciphertext = ct
	} else {
		rec.Data = payload
		rec.Ciphertext = ""
		entry.Data = payload
	}
	rec.Deleted = false
	rec.UpdatedAt = time.Now().UTC()

	if err := a.store.Put(ctx, &rec); err != nil {
		return err
	}
	a.store.InvalidateDerived()
	if err := a.store.Enqueue(ctx, entry); err != nil {
		return err
	}
	a.engine.Notify()
	fmt.Println("Saved", rec.RecordID)
	return nil
}

func (a *app) list(ctx context.Context, args []string) error {
	var filter models.RecordType
	if len(args) > 1 {
		rt, ok := typeAliases[args[1]]
		if !ok {
			return fmt.Errorf("unknown record type %q", args[1])
		}
		filter = rt
	}

	records, err := a.store.List(ctx, false)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if filter != "" && rec.RecordType != filter {
			continue
		}
		payload, err := a.payloadOf(&rec)
		if err != nil {
			payload = "(locked)"
		}
		fmt.Printf("%s  %-11s v%-3d %s\n", rec.RecordID, rec.RecordType, rec.Version, payload)
	}
	return nil
}

func (a *app) get(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: get <id>")
	}
	rec, err := a.find(ctx, args[1])
	if err != nil {
		return err
	}
	payload, err := a.payloadOf(rec)
	if err != nil {
		return err
	}

	var pretty json.RawMessage = []byte(payload)
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(payload)
		return nil
	}
	fmt.Println(string(out))
	return nil
}

// find looks a record up by id across the record types.
func (a *app) find(ctx context.Context, recordID string) (*models.Record, error) {
	for _, rt := range models.RecordTypes {
		rec, err := a.store.Get(ctx, recordID, rt)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, store.ErrNotFound
}

// payloadOf returns the readable payload, decrypting when needed.
func (a *app) payloadOf(rec *models.Record) (string, error) {
	if rec.Ciphertext == "" {
		return rec.Data, nil
	}
	key, err := a.session.Key()
	if err != nil {
		return "", err
	}
	plain, err := vault.Decrypt(rec.Ciphertext, key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (a *app) vaultCmd(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: vault enable|disable|unlock|lock|status")
	}
	switch args[1] {
	case "enable":
		pw, err := a.promptPassword("New vault passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := a.promptPassword("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pw != confirm {
			return errors.New("passphrases do not match")
		}
		if err := a.flow.Enable(ctx, pw); err != nil {
			return err
		}
		fmt.Println("Vault enabled")
	case "disable":
		if err := a.flow.Disable(ctx); err != nil {
			return err
		}
		fmt.Println("Vault disabled, records are plaintext again")
	case "unlock":
		pw, err := a.promptPassword("Vault passphrase: ")
		if err != nil {
			return err
		}
		if err := a.flow.Unlock(ctx, pw); err != nil {
			return err
		}
		fmt.Println("Vault unlocked")
	case "lock":
		a.flow.Lock()
		fmt.Println("Vault locked")
	case "status":
		switch {
		case !a.session.Encrypted():
			fmt.Println("Vault: off")
		case a.session.Unlocked():
			fmt.Println("Vault: on, unlocked")
		default:
			fmt.Println("Vault: on, locked")
		}
	default:
		return fmt.Errorf("unknown vault command %q", args[1])
	}
	return nil
}

func (a *app) status(ctx context.Context) error {
	counts, err := a.store.Count(ctx)
	if err != nil {
		return err
	}
	pending, err := a.store.OutboxLen(ctx)
	if err != nil {
		return err
	}
	login, _ := a.store.GetState(ctx, store.StateLogin)

	mode := "plaintext"
	if a.session.Encrypted() {
		mode = "encrypted"
	}
	fmt.Printf("Account: %s\nMode: %s\nBookmarks: %d  Spaces: %d  Pinned views: %d\nPending changes: %d\n",
		cmp.Or(login, "(signed out)"), mode,
		counts.Bookmarks, counts.Spaces, counts.PinnedViews, pending)
	return nil
}

func (a *app) prompt(label string) (string, error) {
	fmt.Print(label)
	if !a.scanner.Scan() {
		return "", errors.New("input closed")
	}
	return strings.TrimSpace(a.scanner.Text()), nil
}

func (a *app) promptPassword(label string) (string, error) {
	fmt.Print(label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// promptPayload collects the type-specific fields and returns the JSON
// payload.
func (a *app) promptPayload(recordType models.RecordType) (string, error) {
	switch recordType {
	case models.Bookmark:
		url, err := a.prompt("URL: ")
		if err != nil {
			return "", err
		}
		title, err := a.prompt("Title: ")
		if err != nil {
			return "", err
		}
		tagLine, err := a.prompt("Tags (comma separated): ")
		if err != nil {
			return "", err
		}
		var tags []string
		for _, tag := range strings.Split(tagLine, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
		return marshalPayload(map[string]any{"url": url, "title": title, "tags": tags})
	case models.Space:
		name, err := a.prompt("Space name: ")
		if err != nil {
			return "", err
		}
		return marshalPayload(map[string]any{"name": name})
	case models.PinnedView:
		name, err := a.prompt("View name: ")
		if err != nil {
			return "", err
		}
		query, err := a.prompt("Filter query: ")
		if err != nil {
			return "", err
		}
		return marshalPayload(map[string]any{"name": name, "query": query})
	}
	return "", fmt.Errorf("unknown record type %q", recordType)
}

func marshalPayload(v map[string]any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
