// ABOUTME: upload-images command that registers product images with the Attachment Upload API
// ABOUTME: Resumable: ids already in the attachment map are skipped, and the map is saved at the end

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-messenger/internal/messenger"
)

// imageUploader uploads one local file and returns its attachment id.
type imageUploader interface {
	UploadImage(ctx context.Context, path string) (string, error)
}

// imageEntry is one row of the image mapping file: {"IMG_PROD_001": {"file": "a.jpg"}}.
type imageEntry struct {
	File string `json:"file"`
}

type uploadSummary struct {
	Uploaded int
	Skipped  int
	Failed   int
}

func uploadImagesCmd() *cobra.Command {
	var (
		mappingPath string
		imageDir    string
		outPath     string
	)

	cmd := &cobra.Command{
		Use:   "upload-images",
		Short: "Upload product images and record their attachment ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = cfg.Messenger.AttachmentsFile
			}
			if outPath == "" {
				return errors.New("no output file: set messenger.attachments_file or pass --out")
			}

			mapping, err := loadImageMapping(mappingPath)
			if err != nil {
				return err
			}

			attachments, err := messenger.LoadAttachmentMap(outPath, nil)
			if err != nil {
				return fmt.Errorf("loading attachment map: %w", err)
			}

			client, err := messenger.NewClient(messenger.ClientConfig{
				GraphAPIURL:     cfg.Messenger.GraphAPIURL,
				PageAccessToken: cfg.Messenger.PageAccessToken,
				SendRate:        cfg.Messenger.SendRate,
				SendBurst:       cfg.Messenger.SendBurst,
				SendTimeout:     cfg.Messenger.SendTimeout,
				TypingTimeout:   cfg.Messenger.TypingTimeout,
			}, attachments, nil)
			if err != nil {
				return fmt.Errorf("creating messenger client: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d images to upload\n", len(mapping))
			if n := attachments.Len(); n > 0 {
				fmt.Fprintf(out, "Found existing mapping with %d entries (will skip these)\n", n)
			}
			fmt.Fprintln(out)

			sum := uploadImages(cmd.Context(), out, client, attachments, mapping, imageDir)

			if sum.Uploaded > 0 {
				if err := attachments.Save(); err != nil {
					return fmt.Errorf("saving attachment map: %w", err)
				}
			}

			fmt.Fprintln(out)
			fmt.Fprintf(out, "Uploaded: %d\n", sum.Uploaded)
			fmt.Fprintf(out, "Skipped:  %d\n", sum.Skipped)
			fmt.Fprintf(out, "Failed:   %d\n", sum.Failed)
			fmt.Fprintf(out, "Total:    %d\n", attachments.Len())
			fmt.Fprintf(out, "Saved to %s\n", outPath)

			if sum.Failed > 0 {
				return fmt.Errorf("%d images failed to upload", sum.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mappingPath, "mapping", "storage/image_mapping.txt", "JSON file mapping image ids to files")
	cmd.Flags().StringVar(&imageDir, "images", "storage/image", "directory holding the image files")
	cmd.Flags().StringVar(&outPath, "out", "", "attachment id map to update (default: messenger.attachments_file)")
	return cmd
}

func loadImageMapping(path string) (map[string]imageEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image mapping: %w", err)
	}
	var mapping map[string]imageEntry
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("parsing image mapping: %w", err)
	}
	return mapping, nil
}

// uploadImages uploads every mapped image not yet in attachments, in id order.
// Missing files and upload errors count as failures and do not stop the run.
func uploadImages(ctx context.Context, out io.Writer, up imageUploader, attachments *messenger.AttachmentMap, mapping map[string]imageEntry, imageDir string) uploadSummary {
	ids := make([]string, 0, len(mapping))
	for id := range mapping {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sum uploadSummary
	for _, id := range ids {
		if ctx.Err() != nil {
			fmt.Fprintf(out, "  %s %s: interrupted\n", color.YellowString("STOP"), id)
			break
		}

		if existing, ok := attachments.Lookup(id); ok {
			fmt.Fprintf(out, "  %s %s: already uploaded (attachment_id=%s)\n", color.YellowString("SKIP"), id, existing)
			sum.Skipped++
			continue
		}

		path := filepath.Join(imageDir, mapping[id].File)
		if _, err := os.Stat(path); err != nil {
			fmt.Fprintf(out, "  %s %s: file not found at %s\n", color.RedString("FAIL"), id, path)
			sum.Failed++
			continue
		}

		attachmentID, err := up.UploadImage(ctx, path)
		if err != nil {
			fmt.Fprintf(out, "  %s %s: %v\n", color.RedString("FAIL"), id, err)
			sum.Failed++
			continue
		}

		attachments.Set(id, attachmentID)
		fmt.Fprintf(out, "  %s %s -> attachment_id=%s\n", color.GreenString("OK"), id, attachmentID)
		sum.Uploaded++
	}
	return sum
}
