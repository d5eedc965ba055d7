// twoskip-cli inspects and maintains twoskip database files.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/twoskipdb/twoskip"
)

var cli struct {
	Dump       DumpCmd       `cmd:"" help:"List every record in the file, live or not."`
	Check      CheckCmd      `cmd:"" help:"Run the full consistency walk; exit non-zero on damage."`
	Info       InfoCmd       `cmd:"" help:"Show the header fields."`
	Checkpoint CheckpointCmd `cmd:"" help:"Force a compaction now."`
	Backup     BackupCmd     `cmd:"" help:"Write a compressed snapshot of the live record set."`
	Restore    RestoreCmd    `cmd:"" help:"Rebuild a database from a snapshot."`
}

func open(path string) (*twoskip.DB, error) {
	return twoskip.Open(&twoskip.Options{Path: path, Create: false})
}

type DumpCmd struct {
	Path string `arg:"" help:"Database file."`
}

func (c *DumpCmd) Run() error {
	db, err := open(c.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Dump(os.Stdout)
}

type CheckCmd struct {
	Path string `arg:"" help:"Database file."`
}

func (c *CheckCmd) Run() error {
	db, err := open(c.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Check(); err != nil {
		return err
	}
	fmt.Println("consistent")
	return nil
}

type InfoCmd struct {
	Path string `arg:"" help:"Database file."`
}

func (c *InfoCmd) Run() error {
	db, err := open(c.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	count, err := db.Count()
	if err != nil {
		return err
	}
	gen, err := db.Generation()
	if err != nil {
		return err
	}
	size, err := db.Size()
	if err != nil {
		return err
	}
	fmt.Printf("path:       %s\n", db.Path())
	fmt.Printf("records:    %d\n", count)
	fmt.Printf("generation: %d\n", gen)
	fmt.Printf("size:       %d\n", size)
	return nil
}

type CheckpointCmd struct {
	Path string `arg:"" help:"Database file."`
}

func (c *CheckpointCmd) Run() error {
	db, err := open(c.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Checkpoint()
}

type BackupCmd struct {
	Path     string `arg:"" help:"Database file."`
	Snapshot string `arg:"" help:"Snapshot file to create."`
	Level    int    `default:"3" help:"zstd level: 1, 3, 6 or 9."`
}

func (c *BackupCmd) Run() error {
	db, err := twoskip.Open(&twoskip.Options{Path: c.Path, Create: false, BackupLevel: c.Level})
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Backup(c.Snapshot)
}

type RestoreCmd struct {
	Snapshot string `arg:"" help:"Snapshot file."`
	Path     string `arg:"" help:"Database file to create."`
}

func (c *RestoreCmd) Run() error {
	man, err := twoskip.ReadManifest(c.Snapshot)
	if err != nil {
		return err
	}
	if err := twoskip.Restore(c.Snapshot, c.Path, nil); err != nil {
		return err
	}
	fmt.Printf("restored %d records from snapshot %s\n", man.Records, man.ID)
	return nil
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("twoskip-cli"),
		kong.Description("Inspect and maintain twoskip database files"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
