package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ImageInstaller fetches agent images into the local engine.
type ImageInstaller interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	Pull(ctx context.Context, ref string) error
	Tag(ctx context.Context, src, dst string) error
}

// Install pulls the image of every instance of def that the engine lacks.
// With a registry the image is pulled as <registry>/<image> and tagged back to
// the local name CanRun looks for. Every instance is tried; the failures are
// joined.
func Install(ctx context.Context, engine ImageInstaller, registry string, def RunDefinition) error {
	instances, err := def.Instances()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(instances))
	var errs []error
	for _, inst := range instances {
		image, err := inst.Image()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[image] {
			continue
		}
		seen[image] = true

		ok, err := engine.ImageExists(ctx, image)
		if err != nil {
			errs = append(errs, fmt.Errorf("inspect %s: %w", image, err))
			continue
		}
		if ok {
			continue
		}
		if err := pullImage(ctx, engine, registry, image); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func pullImage(ctx context.Context, engine ImageInstaller, registry, image string) error {
	ref := image
	if registry != "" {
		ref = strings.TrimSuffix(registry, "/") + "/" + image
	}
	if err := engine.Pull(ctx, ref); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	if ref == image {
		return nil
	}
	if err := engine.Tag(ctx, ref, image); err != nil {
		return fmt.Errorf("tag %s: %w", ref, err)
	}
	return nil
}
