package lethe

import (
	"errors"
	"io"
)

// scrapeBatch is the number of sectors a Scraper reads per device call.
const scrapeBatch = 256

// Scraper finds the sectors of a padded device written since their dirty
// markers were last cleared. It needs no keys: the marker lives in the
// stored IV and takes no part in decryption.
type Scraper struct {
	dev BlockDevice
	l   layout
}

// ScrapeResult lists dirty sectors and the blocks holding them, ascending.
type ScrapeResult struct {
	Sectors []int64
	Blocks  []uint64
}

// NewScraper creates a scraper for a padded device with ivSize-byte tags.
func NewScraper(dev BlockDevice, ivSize int, geo Geometry) (*Scraper, error) {
	l, err := newLayout(geo, ivSize)
	if err != nil {
		return nil, err
	}
	if ivSize == 0 {
		return nil, NewValidationError("ivSize", ivSize, "scraping needs stored ivs")
	}
	return &Scraper{dev: dev, l: l}, nil
}

// Scan reads the whole device and reports its dirty sectors.
func (s *Scraper) Scan() (ScrapeResult, error) {
	var res ScrapeResult
	ss := s.l.sectorSize
	buf := make([]byte, scrapeBatch*ss)
	for first := int64(0); ; first += scrapeBatch {
		n, err := s.dev.ReadAt(buf, first*ss)
		if err != nil && !errors.Is(err, io.EOF) {
			return ScrapeResult{}, NewDeviceError("read", first*ss, err)
		}
		whole := int64(n) / ss
		for i := int64(0); i < whole; i++ {
			iv := buf[i*ss : i*ss+s.l.tagSize]
			if !IsMarkedDirty(iv) {
				continue
			}
			sector := first + i
			res.Sectors = append(res.Sectors, sector)
			if b := s.l.block(sector); len(res.Blocks) == 0 || res.Blocks[len(res.Blocks)-1] != b {
				res.Blocks = append(res.Blocks, b)
			}
		}
		if whole < scrapeBatch {
			return res, nil
		}
	}
}

// ClearMarkers clears the dirty marker of every sector listed. The
// plaintext of the sectors is unaffected.
func (s *Scraper) ClearMarkers(sectors []int64) error {
	ss := s.l.sectorSize
	iv := make([]byte, s.l.tagSize)
	for _, sector := range sectors {
		off := sector * ss
		if err := ReadFullAt(s.dev, iv, off); err != nil {
			return err
		}
		if !IsMarkedDirty(iv) {
			continue
		}
		iv[len(iv)-1] &^= dirtyMarker
		if err := WriteFullAt(s.dev, iv, off); err != nil {
			return err
		}
	}
	if err := s.dev.Sync(); err != nil {
		return NewIOError("sync", "", err)
	}
	return nil
}
