package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"signdesk/portal-backend/internal/documents"
	"signdesk/portal-backend/pkg/pdf"
	"signdesk/portal-backend/pkg/qr"
	"signdesk/portal-backend/pkg/security"
)

var flagIn *cli.StringFlag = &cli.StringFlag{
	Name:     "in",
	Usage:    "Path to the input PDF",
	Required: true,
}
var flagOut *cli.StringFlag = &cli.StringFlag{
	Name:  "out",
	Value: "sealed.pdf",
	Usage: "Path to write the sealed PDF",
}
var flagPlacements *cli.StringFlag = &cli.StringFlag{
	Name:  "placements",
	Usage: "Path to a JSON array of placements with an image_path per entry",
}
var flagCertPath *cli.StringFlag = &cli.StringFlag{
	Name:    "cert",
	Usage:   "Path to the PKCS#12 signing bundle",
	EnvVars: []string{"SIGNING_CERT_PATH"},
}
var flagCertPassphrase *cli.StringFlag = &cli.StringFlag{
	Name:    "cert-passphrase",
	Usage:   "Passphrase of the signing bundle",
	EnvVars: []string{"SIGNING_CERT_PASSPHRASE"},
}
var flagOwnerPassword *cli.StringFlag = &cli.StringFlag{
	Name:    "owner-password",
	Usage:   "PDF owner password applied when locking",
	EnvVars: []string{"PDF_OWNER_PASSWORD"},
}
var flagVerifyURL *cli.StringFlag = &cli.StringFlag{
	Name:  "verify-url",
	Usage: "Verification link rendered as a QR code on the last page",
}
var flagHash *cli.StringFlag = &cli.StringFlag{
	Name:     "hash",
	Usage:    "Expected lowercase hex SHA-256 of the sealed artifact",
	Required: true,
}

// placementFile is one entry of the placements JSON.
type placementFile struct {
	Page      int     `json:"page"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	ImagePath string  `json:"image_path"`
}

func loadPlacements(path string) ([]pdf.Placement, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read placements: %w", err)
	}
	var entries []placementFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse placements: %w", err)
	}

	placements := make([]pdf.Placement, 0, len(entries))
	for _, e := range entries {
		p := pdf.Placement{Page: e.Page, X: e.X, Y: e.Y, Width: e.Width, Height: e.Height}
		if e.ImagePath != "" {
			// An unreadable image is left empty and reported as skipped.
			p.Image, _ = os.ReadFile(e.ImagePath)
		}
		placements = append(placements, p)
	}
	return placements, nil
}

func main() {
	app := &cli.App{
		Name:  "sealctl",
		Usage: "Seal, verify and inspect signed PDF documents",
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "seal",
				Usage: "Stamp placements onto a PDF, lock it and embed a certificate signature",
				Flags: []cli.Flag{
					flagIn,
					flagOut,
					flagPlacements,
					flagCertPath,
					flagCertPassphrase,
					flagOwnerPassword,
					flagVerifyURL,
				},
				Action: func(cCtx *cli.Context) error {
					src, err := os.ReadFile(cCtx.String(flagIn.Name))
					if err != nil {
						return fmt.Errorf("failed to read input: %w", err)
					}
					placements, err := loadPlacements(cCtx.String(flagPlacements.Name))
					if err != nil {
						return err
					}

					credential, err := security.SigningCredentials{
						Path:       cCtx.String(flagCertPath.Name),
						Passphrase: cCtx.String(flagCertPassphrase.Name),
					}.Load()
					if err != nil {
						return err
					}

					var mark *pdf.AuditMark
					if url := cCtx.String(flagVerifyURL.Name); url != "" {
						mark = &pdf.AuditMark{VerificationURL: url}
					}
					comp, err := pdf.Compose(src, placements, mark, qr.NewGenerator(256))
					if err != nil {
						return err
					}
					for _, s := range comp.Skipped {
						fmt.Fprintf(os.Stderr, "skipped placement %d: %s\n", s.Index, s.Reason)
					}

					locked, err := pdf.Lock(comp, cCtx.String(flagOwnerPassword.Name))
					if err != nil {
						return err
					}
					placeholdered, err := locked.Placeholder(pdf.PlaceholderOptions{})
					if err != nil {
						return err
					}
					sealed, err := placeholdered.Seal(security.NewCMSSigner(credential))
					if err != nil {
						return err
					}

					if err := os.WriteFile(cCtx.String(flagOut.Name), sealed.Bytes(), 0o644); err != nil {
						return fmt.Errorf("failed to write output: %w", err)
					}
					fmt.Printf("%s %s\n", documents.HashBytes(sealed.Bytes()), cCtx.String(flagOut.Name))
					return nil
				},
			},
			&cli.Command{
				Name:  "verify",
				Usage: "Compare a file against the signed hash of its sealed artifact",
				Flags: []cli.Flag{flagIn, flagHash},
				Action: func(cCtx *cli.Context) error {
					data, err := os.ReadFile(cCtx.String(flagIn.Name))
					if err != nil {
						return fmt.Errorf("failed to read input: %w", err)
					}
					hash := documents.HashBytes(data)
					if hash != strings.ToLower(strings.TrimSpace(cCtx.String(flagHash.Name))) {
						fmt.Printf("%s %s\n", documents.VerificationInvalid, hash)
						return cli.Exit("", 1)
					}
					fmt.Printf("%s %s\n", documents.VerificationValid, hash)
					return nil
				},
			},
			&cli.Command{
				Name:  "inspect",
				Usage: "Validate the embedded signature and print the signer certificate",
				Flags: []cli.Flag{flagIn},
				Action: func(cCtx *cli.Context) error {
					data, err := os.ReadFile(cCtx.String(flagIn.Name))
					if err != nil {
						return fmt.Errorf("failed to read input: %w", err)
					}
					infos, err := security.NewValidator().ValidatePDF(cCtx.Context, bytes.NewReader(data))
					if err != nil {
						return err
					}
					out, err := json.MarshalIndent(infos, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
