// importctl is the operator tool for one-time migrations: loading
// account, proxy and card pool files into the database, importing a
// mirror file back into the store, and exporting per-status files.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"autoqual/internal/database"
	"autoqual/internal/flatfile"
	"autoqual/internal/models"
	"autoqual/internal/pool"
	"autoqual/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "importctl",
		Usage: "import/export account, proxy and card pool files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Value: "data/accounts.db",
				Usage: "path to the sqlite database",
			},
			&cli.StringFlag{
				Name:  "delimiter",
				Value: "----",
				Usage: "field delimiter for account lines",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "accounts",
				Usage:     "import a loose account list",
				ArgsUsage: "FILE",
				Action:    runImportAccounts,
			},
			{
				Name:      "mirror",
				Usage:     "import a mirror file, statuses included",
				ArgsUsage: "FILE",
				Action:    runImportMirror,
			},
			{
				Name:      "proxies",
				Usage:     "import a proxy pool file",
				ArgsUsage: "FILE",
				Action:    runImportProxies,
			},
			{
				Name:      "cards",
				Usage:     "import a card pool file",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "max-usage", Value: 1, Usage: "successful binds allowed per card"},
				},
				Action: runImportCards,
			},
			{
				Name:      "export",
				Usage:     "write one account file per status",
				ArgsUsage: "DIR",
				Action:    runExport,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) (*store.Store, error) {
	db, err := database.Open(c.String("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store.New(db, slog.Default()), nil
}

func argFile(c *cli.Context) (*os.File, error) {
	if c.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one file argument")
	}
	return os.Open(c.Args().First())
}

func runImportAccounts(c *cli.Context) error {
	f, err := argFile(c)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := openStore(c)
	if err != nil {
		return err
	}

	lines, parseErrs := flatfile.ParseAccounts(f, c.String("delimiter"))
	res, err := st.ImportLines(lines)
	if err != nil {
		return err
	}
	report(c, res.Created, res.Updated, append(res.Errors, errStrings(parseErrs)...))
	return nil
}

func runImportMirror(c *cli.Context) error {
	f, err := argFile(c)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := openStore(c)
	if err != nil {
		return err
	}

	recs, parseErrs := flatfile.ParseMirror(f, c.String("delimiter"))
	errs := errStrings(parseErrs)
	created, updated := 0, 0
	for _, rec := range recs {
		status := models.AccountStatus(rec.Status)
		if rec.Status != "" && !status.Valid() {
			errs = append(errs, fmt.Sprintf("%s: unknown status %q", rec.Email, rec.Status))
			continue
		}
		a, err := st.Get(rec.Email)
		if err != nil {
			a = &models.Account{Email: rec.Email, Status: status}
			created++
		} else {
			updated++
		}
		a.Password = rec.Password
		a.RecoveryEmail = rec.RecoveryEmail
		a.TOTPSecret = rec.TOTPSecret
		a.VerificationLink = rec.VerificationLink
		a.ProxyAddr = rec.ProxyAddr
		if status != "" {
			a.Status = status
		}
		if err := st.Upsert(a); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", rec.Email, err))
		}
	}
	report(c, created, updated, errs)
	return nil
}

func runImportProxies(c *cli.Context) error {
	f, err := argFile(c)
	if err != nil {
		return err
	}
	defer f.Close()

	db, err := database.Open(c.String("db"))
	if err != nil {
		return err
	}

	lines, parseErrs := flatfile.ParseProxies(f)
	added, err := pool.NewProxyPool(db, slog.Default()).Add(lines)
	if err != nil {
		return err
	}
	report(c, added, 0, errStrings(parseErrs))
	return nil
}

func runImportCards(c *cli.Context) error {
	f, err := argFile(c)
	if err != nil {
		return err
	}
	defer f.Close()

	db, err := database.Open(c.String("db"))
	if err != nil {
		return err
	}

	lines, parseErrs := flatfile.ParseCards(f)
	added, err := pool.NewCardPool(db, slog.Default()).Add(lines, c.Int("max-usage"))
	if err != nil {
		return err
	}
	report(c, added, 0, errStrings(parseErrs))
	return nil
}

func runExport(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one directory argument")
	}
	st, err := openStore(c)
	if err != nil {
		return err
	}
	return st.ExportByStatus(c.Args().First(), c.String("delimiter"))
}

func errStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}

func report(c *cli.Context, created, updated int, errs []string) {
	fmt.Fprintf(c.App.Writer, "created/added: %d, updated: %d, errors: %d\n", created, updated, len(errs))
	for _, e := range errs {
		fmt.Fprintln(c.App.Writer, "  "+e)
	}
}
