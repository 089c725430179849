package updater

import (
	"context"

	"github.com/Ludea/speedupdate/pkg/model"
)

// Remote is the read-only repository view over a Transport.
type Remote struct {
	t Transport
}

// NewRemote wraps a transport.
func NewRemote(t Transport) *Remote {
	return &Remote{t: t}
}

// CurrentVersion fetches the repository's current revision pointer.
func (r *Remote) CurrentVersion(ctx context.Context) (string, error) {
	data, err := r.t.Metadata(ctx, model.CurrentPath)
	if err != nil {
		return "", err
	}
	doc, err := model.DecodeCurrent(data)
	if err != nil {
		return "", err
	}
	return string(doc.Revision), nil
}

// Versions fetches the history document.
func (r *Remote) Versions(ctx context.Context) (*model.VersionsDocument, error) {
	data, err := r.t.Metadata(ctx, model.VersionsPath)
	if err != nil {
		return nil, err
	}
	return model.DecodeVersions(data)
}

// Packages fetches the package index, the updater's plan manifest.
func (r *Remote) Packages(ctx context.Context) (*model.PackagesDocument, error) {
	data, err := r.t.Metadata(ctx, model.PackagesPath)
	if err != nil {
		return nil, err
	}
	return model.DecodePackages(data)
}

// PackageMetadata fetches and validates one package metadata
// document.
func (r *Remote) PackageMetadata(ctx context.Context, id string) (*model.PackageMetadata, error) {
	data, err := r.t.Metadata(ctx, model.PackageMetadataPath(id))
	if err != nil {
		return nil, err
	}
	return model.DecodePackageMetadata(data)
}
