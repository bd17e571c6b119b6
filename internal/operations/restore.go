package operations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/kebairia/sitebackup/internal/store"
)

var restoreTemplate = template.Must(template.New("restore").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`Restore plan for backup {{.Record.ID}}
Created {{.Record.Date}} on {{.Record.Server}} ({{.Record.Type}}, {{.Record.Strategy}}, {{.Record.SizeFormatted}})
{{range $i, $s := .Steps}}
{{inc $i}}. {{$s.Title}}
{{- range $s.Commands}}
   {{.}}
{{- end}}
{{end}}`))

type restoreStep struct {
	Title    string
	Commands []string
}

// RestoreInstructions renders the manual steps that bring the database
// and the storage tree back to the state of backup id. An incremental
// database artifact is preceded by its chain back to the last full
// export. Any referenced file missing on disk fails with
// store.ErrArtifactMissing.
func (om *OperationManager) RestoreInstructions(id string) (string, error) {
	records, err := om.store.History()
	if err != nil {
		return "", err
	}
	idx := -1
	for i, r := range records {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("%w: %s", store.ErrRecordNotFound, id)
	}
	rec := records[idx]
	if _, err := om.store.ResolveFiles(id); err != nil {
		return "", err
	}

	db := om.cfg.Database.Name
	if db == "" {
		db = "<database>"
	}

	var steps []restoreStep
	chain, err := databaseChain(records[idx:])
	if err != nil {
		return "", err
	}
	if len(chain) > 0 {
		steps = append(steps, restoreStep{
			Title:    "Take a safety copy of the current database",
			Commands: []string{fmt.Sprintf("mysqldump --single-transaction %s > pre_restore_%s.sql", db, rec.ID)},
		})
		var cmds []string
		for _, f := range chain {
			cmds = append(cmds, sqlCommand(f, db))
		}
		title := "Restore the database"
		if len(chain) > 1 {
			title = fmt.Sprintf("Restore the database (%d files, oldest first)", len(chain))
		}
		steps = append(steps, restoreStep{Title: title, Commands: cmds})
	}

	for _, f := range rec.Files {
		if store.Classify(f) != store.KindStorage {
			continue
		}
		target := om.cfg.Storage.Path
		if target == "" {
			target = "<storage path>"
		}
		scratch := filepath.Join(om.cfg.Paths.TempDir, "restore_"+rec.ID)
		steps = append(steps, restoreStep{
			Title: "Restore the storage tree",
			Commands: []string{
				"mkdir -p " + scratch,
				tarCommand(f, scratch),
				fmt.Sprintf("rsync -a --delete %s/ %s/", filepath.Join(scratch, rec.ID), strings.TrimSuffix(target, "/")),
			},
		})
	}

	verify := []string{"check the application"}
	if len(chain) > 0 {
		verify = []string{
			fmt.Sprintf("mysql -e 'SHOW TABLES' %s", db),
			"check the application, then remove pre_restore_" + rec.ID + ".sql",
		}
	}
	steps = append(steps, restoreStep{Title: "Verify", Commands: verify})

	var b strings.Builder
	err = restoreTemplate.Execute(&b, struct {
		Record store.Record
		Steps  []restoreStep
	}{rec, steps})
	if err != nil {
		return "", fmt.Errorf("render restore plan: %w", err)
	}
	return b.String(), nil
}

// databaseChain walks records (newest first, starting at the target) and
// returns the database files to apply, oldest first.
func databaseChain(records []store.Record) ([]string, error) {
	if _, _, ok := databaseFile(records[0]); !ok {
		return nil, nil
	}
	var chain []string
	for _, r := range records {
		file, incremental, ok := databaseFile(r)
		if !ok {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			return nil, fmt.Errorf("%w: %s (needed by %s)", store.ErrArtifactMissing, filepath.Base(file), records[0].ID)
		}
		chain = append([]string{file}, chain...)
		if !incremental {
			return chain, nil
		}
	}
	return nil, fmt.Errorf("%w: no full database backup precedes %s", store.ErrArtifactMissing, records[0].ID)
}

func databaseFile(r store.Record) (path string, incremental, ok bool) {
	if r.Status == store.StatusFailed {
		return "", false, false
	}
	for _, d := range r.Details {
		if d.Type != store.KindDatabase {
			continue
		}
		for _, f := range r.Files {
			if filepath.Base(f) == d.File {
				return f, d.Incremental, true
			}
		}
	}
	return "", false, false
}

func sqlCommand(file, db string) string {
	switch filepath.Ext(file) {
	case ".gz":
		return fmt.Sprintf("gunzip -c %s | mysql %s", file, db)
	case ".zst":
		return fmt.Sprintf("zstd -dc %s | mysql %s", file, db)
	default:
		return fmt.Sprintf("mysql %s < %s", db, file)
	}
}

func tarCommand(file, dir string) string {
	switch filepath.Ext(file) {
	case ".gz":
		return fmt.Sprintf("tar -xzf %s -C %s", file, dir)
	case ".zst":
		return fmt.Sprintf("tar --zstd -xf %s -C %s", file, dir)
	default:
		return fmt.Sprintf("tar -xf %s -C %s", file, dir)
	}
}
