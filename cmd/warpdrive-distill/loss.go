package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"warpdrive-distill/internal/device"
	"warpdrive-distill/internal/distill"
)

// lossInput is the document read by the loss command.
type lossInput struct {
	Teacher    [][]float64 `json:"teacher"`
	Student    [][]float64 `json:"student"`
	Supervised float64     `json:"supervised"`
}

type lossOutput struct {
	distill.Params
	Total        float64 `json:"total"`
	Supervised   float64 `json:"supervised"`
	Distillation float64 `json:"distillation"`
	Divergence   float64 `json:"divergence"`
}

func newLossCommand() *cobra.Command {
	var (
		input   string
		workers int
		params  = distill.DefaultParams()
	)
	cmd := &cobra.Command{
		Use:   "loss",
		Short: "Evaluate the distillation loss for a JSON file of logits",
		Long: `Reads {"teacher": [[...]], "student": [[...]], "supervised": x} from
--input (or stdin when it is "-") and prints the loss breakdown as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readInput(cmd, input)
			if err != nil {
				return err
			}
			var in lossInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return errors.Wrap(err, "parse loss input")
			}
			teacher, err := toDense(in.Teacher, "teacher")
			if err != nil {
				return err
			}
			student, err := toDense(in.Student, "student")
			if err != nil {
				return err
			}

			exec := device.Detect(workers)
			defer exec.Close()
			ev, err := distill.NewEvaluator(exec, params)
			if err != nil {
				return err
			}
			res, err := ev.Loss(teacher, student, in.Supervised)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(lossOutput{
				Params:       params,
				Total:        res.Total,
				Supervised:   res.Supervised,
				Distillation: res.Distillation,
				Divergence:   res.Divergence,
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "-", "JSON file with teacher and student logits")
	cmd.Flags().IntVar(&workers, "kernel-workers", 0, "Workers for the math kernels (0 uses GOMAXPROCS)")
	cmd.Flags().Float64Var(&params.Temperature, "temperature", distill.DefaultTemperature, "Softmax temperature")
	cmd.Flags().Float64Var(&params.Lambda, "lambda", distill.DefaultLambda, "Weight of the distillation term in [0, 1]")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		raw, err := io.ReadAll(cmd.InOrStdin())
		return raw, errors.Wrap(err, "read stdin")
	}
	raw, err := os.ReadFile(path)
	return raw, errors.Wrap(err, "read loss input")
}

// toDense packs rows into a matrix. Empty or ragged input is a shape error.
func toDense(rows [][]float64, name string) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.Wrapf(distill.ErrShapeMismatch, "%s logits are empty", name)
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, errors.Wrapf(distill.ErrShapeMismatch, "%s row %d has %d classes, want %d", name, i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}
