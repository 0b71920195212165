package cloud

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
)

// ErrNoImages is returned when the image catalog has nothing for a query.
var ErrNoImages = errors.New("no images found")

// ImageQuery selects images by publisher, offer and SKU.
type ImageQuery struct {
	Publisher string
	Offer     string
	SKU       string
}

func (q ImageQuery) String() string {
	return q.Publisher + ":" + q.Offer + ":" + q.SKU
}

// Image is one version of a marketplace image.
type Image struct {
	Publisher string
	Offer     string
	SKU       string
	Version   string
}

// URN returns the publisher:offer:sku:version form accepted by Azure.
func (i Image) URN() string {
	return strings.Join([]string{i.Publisher, i.Offer, i.SKU, i.Version}, ":")
}

// ParseURN splits a publisher:offer:sku:version string.
func ParseURN(urn string) (Image, error) {
	parts := strings.Split(urn, ":")
	if len(parts) != 4 {
		return Image{}, fmt.Errorf("invalid image URN %q: want publisher:offer:sku:version", urn)
	}
	for _, p := range parts {
		if p == "" {
			return Image{}, fmt.Errorf("invalid image URN %q: empty component", urn)
		}
	}
	return Image{Publisher: parts[0], Offer: parts[1], SKU: parts[2], Version: parts[3]}, nil
}

// NewestImage returns the image with the highest version. Versions that do
// not parse sort below every version that does.
func NewestImage(images []Image) (Image, error) {
	if len(images) == 0 {
		return Image{}, ErrNoImages
	}

	type ranked struct {
		img Image
		ver *version.Version
	}
	rs := make([]ranked, 0, len(images))
	for _, img := range images {
		v, err := version.NewVersion(img.Version)
		if err != nil {
			v = nil
		}
		rs = append(rs, ranked{img: img, ver: v})
	}

	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i].ver, rs[j].ver
		switch {
		case a == nil && b == nil:
			return rs[i].img.Version > rs[j].img.Version
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.GreaterThan(b)
		}
	})
	return rs[0].img, nil
}
