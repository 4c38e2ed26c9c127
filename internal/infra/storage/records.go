package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/domain/area"
	"github.com/MRamiBalles/devjails/internal/domain/jail"
	"github.com/MRamiBalles/devjails/internal/domain/prisoner"
	"github.com/MRamiBalles/devjails/internal/domain/region"
)

func toLocationRecord(l region.Location) LocationRecord {
	return LocationRecord{World: l.World, X: l.X, Y: l.Y, Z: l.Z, Yaw: l.Yaw, Pitch: l.Pitch}
}

func (r LocationRecord) toLocation() region.Location {
	return region.Location{World: r.World, X: r.X, Y: r.Y, Z: r.Z, Yaw: r.Yaw, Pitch: r.Pitch}
}

// JailToRecord converts a domain jail.
func JailToRecord(j *jail.Jail) JailRecord {
	return JailRecord{
		Name:        j.Name,
		Spawn:       toLocationRecord(j.Spawn),
		AreaBinding: string(j.Binding),
		AreaRef:     j.AreaRef,
	}
}

// ToJail converts back to the domain, enforcing the none-binding invariant.
func (r JailRecord) ToJail() *jail.Jail {
	j := jail.New(r.Name, r.Spawn.toLocation())
	j.Link(jail.ParseBinding(r.AreaBinding), r.AreaRef)
	if j.AreaRef == "" {
		j.Unlink()
	}
	return j
}

// AreaToRecord converts a domain area.
func AreaToRecord(a *area.Area) AreaRecord {
	return AreaRecord{
		Name:  a.Name,
		World: a.World,
		MinX:  a.Region.Min.X,
		MinY:  a.Region.Min.Y,
		MinZ:  a.Region.Min.Z,
		MaxX:  a.Region.Max.X,
		MaxY:  a.Region.Max.Y,
		MaxZ:  a.Region.Max.Z,
	}
}

// ToArea converts back to the domain. Corners are normalized on the way in.
func (r AreaRecord) ToArea() *area.Area {
	return &area.Area{
		Name:  r.Name,
		World: r.World,
		Region: region.New(
			region.Vec3{X: r.MinX, Y: r.MinY, Z: r.MinZ},
			region.Vec3{X: r.MaxX, Y: r.MaxY, Z: r.MaxZ},
		),
	}
}

// PrisonerToRecord converts a domain prisoner. Served time is taken as of
// now so an online session in progress is included.
func PrisonerToRecord(p *prisoner.Prisoner, now time.Time) PrisonerRecord {
	rec := PrisonerRecord{
		SubjectID:    p.SubjectID.String(),
		JailName:     p.JailName,
		Reason:       p.Reason,
		Staff:        p.Staff,
		StartEpoch:   p.StartEpoch.UnixMilli(),
		BailEnabled:  p.BailEnabled,
		Restrained:   p.Restrained,
		ReleaseSpawn: string(p.ReleaseSpawn),
		ServedMillis: p.TotalOnline(now).Milliseconds(),
	}
	if p.EndEpoch != nil {
		end := p.EndEpoch.UnixMilli()
		rec.EndEpoch = &end
	}
	if p.BailAmount != nil {
		amt := *p.BailAmount
		rec.BailAmount = &amt
	}
	if p.OriginalLocation != nil {
		loc := toLocationRecord(*p.OriginalLocation)
		rec.OriginalLocation = &loc
	}
	return rec
}

// ToPrisoner converts back to the domain. The loaded prisoner is offline;
// withServed controls whether the persisted served time is restored.
func (r PrisonerRecord) ToPrisoner(withServed bool) (*prisoner.Prisoner, error) {
	id, err := uuid.Parse(r.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("invalid subject id %q: %w", r.SubjectID, err)
	}
	p := &prisoner.Prisoner{
		SubjectID:    id,
		JailName:     r.JailName,
		Reason:       r.Reason,
		Staff:        r.Staff,
		StartEpoch:   time.UnixMilli(r.StartEpoch),
		BailEnabled:  r.BailEnabled,
		Restrained:   r.Restrained,
		ReleaseSpawn: prisoner.ParseReleaseSpawn(r.ReleaseSpawn),
	}
	if r.EndEpoch != nil {
		end := time.UnixMilli(*r.EndEpoch)
		p.EndEpoch = &end
	}
	if r.BailAmount != nil {
		amt := *r.BailAmount
		p.BailAmount = &amt
	}
	if r.OriginalLocation != nil {
		loc := r.OriginalLocation.toLocation()
		p.OriginalLocation = &loc
	}
	if withServed && r.ServedMillis > 0 {
		p.OnlineServed = time.Duration(r.ServedMillis) * time.Millisecond
	}
	return p, nil
}
