package command

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ayusman/tagcast/internal/capture"
	"github.com/ayusman/tagcast/internal/store"
)

// CalibrationCommand manages the calibration profiles kept in the store.
func CalibrationCommand() *cli.Command {
	return &cli.Command{
		Name:  "calibration",
		Usage: "Manage stored camera calibration profiles",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Create or replace a profile",
				ArgsUsage: "<name>",
				Flags: append(storeFlags(),
					&cli.IntFlag{Name: "width", Usage: "Calibrated frame width", Value: capture.DefaultWidth},
					&cli.IntFlag{Name: "height", Usage: "Calibrated frame height", Value: capture.DefaultHeight},
					&cli.Float64Flag{Name: "fx", Usage: "Focal length x (pixels)", Required: true},
					&cli.Float64Flag{Name: "fy", Usage: "Focal length y (pixels)", Required: true},
					&cli.Float64Flag{Name: "ppx", Usage: "Principal point x (pixels)", Required: true},
					&cli.Float64Flag{Name: "ppy", Usage: "Principal point y (pixels)", Required: true},
					&cli.Float64SliceFlag{Name: "distortion", Usage: "Distortion coefficients k1,k2,p1,p2[,k3]"},
				),
				Action: calibrationSetAction,
			},
			{
				Name:      "show",
				Usage:     "Print a profile as JSON",
				ArgsUsage: "<name>",
				Flags:     storeFlags(),
				Action:    calibrationShowAction,
			},
			{
				Name:   "list",
				Usage:  "List profiles",
				Flags:  storeFlags(),
				Action: calibrationListAction,
			},
			{
				Name:      "delete",
				Usage:     "Delete a profile",
				ArgsUsage: "<name>",
				Flags:     storeFlags(),
				Action:    calibrationDeleteAction,
			},
		},
	}
}

func storeFlags() []cli.Flag {
	return []cli.Flag{configFlag(), storeFlag()}
}

// openStore opens the store named by --db or the config's store.path.
func openStore(c *cli.Context) (*store.Store, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		return nil, errors.New("no store configured: pass --db or set store.path")
	}
	return store.New(cfg.Store.Path)
}

func nameArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit("expected exactly one profile name", exitConfigError)
	}
	return c.Args().First(), nil
}

func calibrationSetAction(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}

	cal := &store.Calibration{
		Name:   name,
		Width:  c.Int("width"),
		Height: c.Int("height"),
		Intrinsics: capture.Intrinsics{
			Fx:  c.Float64("fx"),
			Fy:  c.Float64("fy"),
			Ppx: c.Float64("ppx"),
			Ppy: c.Float64("ppy"),
		},
	}
	dist := c.Float64Slice("distortion")
	if len(dist) > len(cal.Distortion) {
		return cli.Exit(fmt.Sprintf("at most %d distortion coefficients", len(cal.Distortion)), exitConfigError)
	}
	copy(cal.Distortion[:], dist)

	st, err := openStore(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer st.Close()

	if err := st.Calibrations().Put(cal); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "saved calibration %q\n", name)
	return nil
}

func calibrationShowAction(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}

	st, err := openStore(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer st.Close()

	cal, err := st.Calibrations().Get(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return cli.Exit(fmt.Sprintf("calibration %q not found", name), 1)
		}
		return err
	}

	return writeCalibration(c.App.Writer, cal)
}

func calibrationListAction(c *cli.Context) error {
	st, err := openStore(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer st.Close()

	cals, err := st.Calibrations().List()
	if err != nil {
		return err
	}

	return writeCalibrationTable(c.App.Writer, cals)
}

func calibrationDeleteAction(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}

	st, err := openStore(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer st.Close()

	if err := st.Calibrations().Delete(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return cli.Exit(fmt.Sprintf("calibration %q not found", name), 1)
		}
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted calibration %q\n", name)
	return nil
}

type calibrationJSON struct {
	Name       string             `json:"name"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Intrinsics capture.Intrinsics `json:"intrinsics"`
	Distortion [5]float64         `json:"distortion"`
	UpdatedAt  string             `json:"updated_at"`
}

func writeCalibration(w io.Writer, cal *store.Calibration) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(calibrationJSON{
		Name:       cal.Name,
		Width:      cal.Width,
		Height:     cal.Height,
		Intrinsics: cal.Intrinsics,
		Distortion: cal.Distortion,
		UpdatedAt:  cal.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

func writeCalibrationTable(w io.Writer, cals []*store.Calibration) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tFX\tFY\tPPX\tPPY\tUNDISTORT")
	for _, cal := range cals {
		undistort := "no"
		for _, k := range cal.Distortion {
			if k != 0 {
				undistort = "yes"
				break
			}
		}
		fmt.Fprintf(tw, "%s\t%dx%d\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n",
			cal.Name, cal.Width, cal.Height,
			cal.Intrinsics.Fx, cal.Intrinsics.Fy, cal.Intrinsics.Ppx, cal.Intrinsics.Ppy,
			undistort)
	}
	return tw.Flush()
}
