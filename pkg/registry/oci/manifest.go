package oci

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

const (
	// mediaTypeManifest is the standard OCI image manifest media type.
	// Reusing it keeps plain registries happy without any extension
	// support.
	mediaTypeManifest = "application/vnd.oci.image.manifest.v1+json"

	// mediaTypeIndex marks the manifest config blob as a bundle index.
	mediaTypeIndex = "application/vnd.modelops.bundle.index.v1+json"

	// mediaTypeFile marks layers as raw bundle files.
	mediaTypeFile = "application/vnd.modelops.bundle.file.v1"

	// annotationTitle records the repo-relative path on each layer, the
	// same convention ORAS uses.
	annotationTitle = "org.opencontainers.image.title"
)

type descriptor struct {
	MediaType   string            `json:"mediaType"`
	Digest      digest.Digest     `json:"digest"`
	Size        int64             `json:"size"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        descriptor   `json:"config"`
	Layers        []descriptor `json:"layers"`
}

// buildManifest wraps an encoded index in an OCI image manifest. The index
// rides as the config blob; blob-storage files become layers in path order.
// Inline files live inside the index, so they produce no layers.
func buildManifest(index *bundle.Index, indexPayload []byte) manifest {
	man := manifest{
		SchemaVersion: 2,
		MediaType:     mediaTypeManifest,
		Config: descriptor{
			MediaType: mediaTypeIndex,
			Digest:    digest.FromBytes(indexPayload),
			Size:      int64(len(indexPayload)),
		},
		Layers: []descriptor{},
	}

	for _, path := range index.Paths() {
		entry := index.Files[path]
		if entry.Storage != bundle.StorageBlob {
			continue
		}
		man.Layers = append(man.Layers, descriptor{
			MediaType:   mediaTypeFile,
			Digest:      entry.Digest,
			Size:        entry.Size,
			Annotations: map[string]string{annotationTitle: path},
		})
	}
	return man
}

func parseManifest(data []byte) (manifest, error) {
	var man manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return manifest{}, errors.WithContext(err, "unmarshal manifest")
	}
	if man.SchemaVersion != 2 {
		return manifest{}, errors.New("unsupported manifest schema version")
	}
	if err := man.Config.Digest.Validate(); err != nil {
		return manifest{}, errors.WithContext(err, "config digest")
	}
	return man, nil
}
