// Package stac rewrites the STAC item files produced by the mosaic so that
// they point at the products' bucket location and carry the owner of the
// production.
package stac

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
)

// defaultUser is the placeholder user written by the classifier.
const defaultUser = "0000"

// UserFromRoot derives the user id from a product root such as
// s3://ewoc-prd/<user>_<aez>_<timestamp>.
func UserFromRoot(root string) string {
	return ewoc.UserFromProduction(path.Base(strings.TrimSuffix(root, "/")))
}

// IsMetadataFile reports whether name matches *metadata_*.json.
func IsMetadataFile(name string) bool {
	ok, _ := filepath.Match("*metadata_*.json", name)
	return ok
}

// Find returns the STAC item files below folder.
func Find(folder string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(folder, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsMetadataFile(d.Name()) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for STAC files: %w", folder, err)
	}
	return files, nil
}

// UpdateAll rewrites every STAC item below folder, replacing the local
// folder prefix of hrefs with root. It returns the rewritten files.
func UpdateAll(root, folder string) ([]string, error) {
	files, err := Find(folder)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		logging.Get(logging.CategorySTAC).Warn("No json file found using **metadata_*.json wildcard")
		return nil, nil
	}

	user := UserFromRoot(root)
	for _, f := range files {
		if err := UpdateFile(f, root, folder, user); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// UpdateFile rewrites one STAC item in place.
func UpdateFile(file, root, folder, user string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read STAC file: %w", err)
	}

	var item map[string]interface{}
	if err := json.Unmarshal(data, &item); err != nil {
		return fmt.Errorf("failed to parse STAC file %s: %w", file, err)
	}

	Rewrite(item, root, folder, user)

	out, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal STAC file %s: %w", file, err)
	}
	if err := os.WriteFile(file, out, 0644); err != nil {
		return fmt.Errorf("failed to write STAC file: %w", err)
	}
	logging.Get(logging.CategorySTAC).Info("Updated %s with %s", file, root)
	return nil
}

// Rewrite applies the publication rules to a decoded STAC item:
//   - the self link and every asset href get folder replaced by root;
//   - properties.public "false" becomes "true";
//   - properties.users ["0000"] becomes [user];
//   - a properties.tile_collection_id ending with _0000 gets user instead.
//
// Unknown or missing fields are left alone.
func Rewrite(item map[string]interface{}, root, folder, user string) {
	log := logging.Get(logging.CategorySTAC)

	if links, ok := item["links"].([]interface{}); ok {
		for _, l := range links {
			link, ok := l.(map[string]interface{})
			if !ok || link["rel"] != "self" {
				continue
			}
			if href, ok := link["href"].(string); ok {
				link["href"] = strings.ReplaceAll(href, folder, root)
			}
		}
	}

	if assets, ok := item["assets"].(map[string]interface{}); ok {
		for _, a := range assets {
			asset, ok := a.(map[string]interface{})
			if !ok {
				continue
			}
			if href, ok := asset["href"].(string); ok {
				asset["href"] = strings.ReplaceAll(href, folder, root)
			}
		}
	}

	props, ok := item["properties"].(map[string]interface{})
	if !ok {
		return
	}

	if props["public"] == "false" {
		props["public"] = "true"
		log.Info("Updated public to true")
	}

	if users, ok := props["users"].([]interface{}); ok && len(users) == 1 && users[0] == defaultUser {
		props["users"] = []interface{}{user}
		log.Info("Updated user id with %s", user)
	}

	if coll, ok := props["tile_collection_id"].(string); ok {
		if i := strings.LastIndex(coll, "_"); i >= 0 && coll[i+1:] == defaultUser {
			props["tile_collection_id"] = coll[:i+1] + user
			log.Info("Updated tile collection id to %s", props["tile_collection_id"])
		} else if coll == defaultUser {
			props["tile_collection_id"] = "_" + user
		}
	}
}
