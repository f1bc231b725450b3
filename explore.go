package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/reader"
)

// maxRecords bounds the walk of a linear fixed file.
const maxRecords = 254

// runExplore lists the applications of the card in a PC/SC reader: it
// reads EF.DIR record by record and selects every AID found.
func runExplore(ctx context.Context, args []string) error {
	c := newCommon("explore")
	c.cardFlags()
	uicc := c.fs.Bool("uicc", false, "use UICC commands (class 00) instead of GSM ones")
	cfg, err := c.load(args)
	if err != nil {
		return err
	}

	card, err := reader.Open(cfg.Cardem.ReaderConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := card.Close(); err != nil {
			logging.For(logging.ComponentCLI).Warn("reader not released", logging.Err(err))
		}
	}()
	fmt.Printf(">> Using reader: %s\n", card.Name())
	if atr, err := card.ATR(); err == nil {
		if a, err := iso7816.ParseATR(atr); err == nil {
			fmt.Println(a.Verbose())
		}
	}

	cla := byte(iso7816.GSMClass)
	if *uicc {
		cla = 0x00
	}
	cls, err := iso7816.NewClass(cla)
	if err != nil {
		return err
	}

	e := &explorer{out: os.Stdout, client: iso7816.NewClient(card), cls: cls}
	aids, err := e.directory(ctx)
	if err != nil {
		return err
	}
	e.applications(ctx, aids)
	fmt.Println("\n>> Exploration finished")
	return nil
}

type explorer struct {
	out    io.Writer
	client *iso7816.Client
	cls    iso7816.Class
}

func (e *explorer) banner(format string, args ...any) {
	fmt.Fprintln(e.out, "\n=============================================")
	fmt.Fprintf(e.out, " "+format+"\n", args...)
	fmt.Fprintln(e.out, "=============================================")
}

// selectFile selects fid and returns what the card tells of it.
func (e *explorer) selectFile(ctx context.Context, fid uint16) (*iso7816.SelectResult, error) {
	trace, err := e.client.Send(ctx, iso7816.SelectFile(e.cls, fid))
	if err != nil {
		return nil, fmt.Errorf("SELECT %04X: %w", fid, err)
	}
	res, err := iso7816.NewSelectResult(trace)
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(e.out, res.Describe())
	if !res.IsSuccess() {
		return res, fmt.Errorf("SELECT %04X failed: %s", fid, res.Last().Response.Status.Verbose())
	}
	return res, nil
}

// directory reads EF.DIR and returns the AIDs it lists. A card without
// EF.DIR has no applications to list, which is not an error.
func (e *explorer) directory(ctx context.Context) ([][]byte, error) {
	e.banner("Step 1: SELECT MF / EF.DIR")
	if _, err := e.selectFile(ctx, iso7816.FID_MF); err != nil {
		return nil, err
	}
	res, err := e.selectFile(ctx, iso7816.FID_EF_DIR)
	if err != nil {
		fmt.Fprintf(e.out, ">> No EF.DIR: %v\n", err)
		return nil, nil
	}
	recLen, count := 0, maxRecords
	if fi, err := res.FileInfo(); err == nil {
		recLen = fi.RecordLength
		if fi.RecordCount > 0 {
			count = fi.RecordCount
		}
	}

	e.banner("Step 2: READING EF.DIR (%d bytes per record)", recLen)
	var aids [][]byte
	for n := 1; n <= count; n++ {
		fmt.Fprintf(e.out, "\n[Record #%d]\n", n)
		trace, err := e.client.Send(ctx, iso7816.ReadRecord(e.cls, byte(n), iso7816.RecordAbsolute, recLen))
		if err != nil {
			return aids, fmt.Errorf("READ RECORD %d: %w", n, err)
		}
		if sw := trace.Last().Response.Status; sw == 0x6A83 || sw == 0x9402 {
			fmt.Fprintln(e.out, ">> End of EF.DIR reached.")
			break
		}
		rr, err := iso7816.NewReadResult(trace)
		if err != nil {
			return aids, err
		}
		fmt.Fprintln(e.out, rr.Describe())
		if !rr.IsSuccess() {
			break
		}
		rec, err := iso7816.ParseDIRRecord(rr.Data())
		if err != nil {
			fmt.Fprintf(e.out, "   (!) %v\n", err)
			continue
		}
		fmt.Fprintln(e.out, rec.Describe())
		for _, app := range rec.Applications {
			if len(app.AID) > 0 {
				fmt.Fprintf(e.out, "      [+] Candidate AID: %X (%s)\n", app.AID, app.ApplicationLabel)
				aids = append(aids, app.AID)
			}
		}
	}
	return aids, nil
}

// applications selects every AID in turn.
func (e *explorer) applications(ctx context.Context, aids [][]byte) {
	e.banner("Step 3: SELECTING APPLICATIONS (%d found)", len(aids))
	if len(aids) == 0 {
		fmt.Fprintln(e.out, ">> No applications to select.")
		return
	}
	for i, aid := range aids {
		fmt.Fprintf(e.out, "\n [App %d/%d] Selecting AID: %X\n", i+1, len(aids), aid)
		trace, err := e.client.Send(ctx, iso7816.SelectByAID(e.cls, aid))
		if err != nil {
			fmt.Fprintf(e.out, "   (!) transmission failed: %v\n", err)
			continue
		}
		res, err := iso7816.NewSelectResult(trace)
		if err != nil {
			continue
		}
		fmt.Fprintln(e.out, res.Describe())
	}
}
