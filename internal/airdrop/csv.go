package airdrop

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.uber.org/zap"
)

// Row is one recipient line: amount is asset units, or microAlgos for an ALGO drop.
type Row struct {
	Recipient string
	Amount    uint64
	Line      int
}

// LoadCSV reads recipient,amount lines. Blank and malformed lines are logged and skipped.
func LoadCSV(r io.Reader, logger *zap.Logger) ([]Row, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if blank(record) {
			continue
		}
		row, err := parseRow(record)
		if err != nil {
			logger.Warn("skipping recipient line", zap.Int("line", line), zap.Strings("fields", record), zap.Error(err))
			continue
		}
		row.Line = line
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(record []string) (Row, error) {
	if len(record) < 2 {
		return Row{}, errors.New("expected recipient,amount")
	}
	recipient := strings.TrimSpace(record[0])
	if _, err := types.DecodeAddress(recipient); err != nil {
		return Row{}, fmt.Errorf("bad recipient: %w", err)
	}
	amount, err := strconv.ParseUint(strings.TrimSpace(record[1]), 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("bad amount: %w", err)
	}
	if amount == 0 {
		return Row{}, errors.New("amount must be positive")
	}
	return Row{Recipient: recipient, Amount: amount}, nil
}

func blank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
