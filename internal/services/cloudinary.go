package services

import (
	"context"
	"fmt"
	"mime/multipart"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// AttachmentFolder is where chat attachments are stored in Cloudinary.
const AttachmentFolder = "salmart/chat"

// Uploader stores a chat attachment and returns its public URL.
type Uploader interface {
	UploadAttachment(ctx context.Context, fileHeader *multipart.FileHeader, ownerID string) (string, error)
}

type CloudinaryService struct {
	cld *cloudinary.Cloudinary
}

func NewCloudinaryService(cloudName, apiKey, apiSecret string) (*CloudinaryService, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudinary: %w", err)
	}

	return &CloudinaryService{
		cld: cld,
	}, nil
}

// UploadAttachment uploads into a per-user subfolder so attachments can be
// purged per account.
func (s *CloudinaryService) UploadAttachment(ctx context.Context, fileHeader *multipart.FileHeader, ownerID string) (string, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	result, err := s.cld.Upload.Upload(ctx, file, uploader.UploadParams{
		Folder:       AttachmentFolder + "/" + ownerID,
		ResourceType: "auto",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to Cloudinary: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("cloudinary rejected upload: %s", result.Error.Message)
	}

	return result.SecureURL, nil
}
