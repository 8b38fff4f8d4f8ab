package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.glassdash.io/devicegate/deviceid"
)

// DeviceIdentityRepository implements deviceid.Storage on a MongoDB
// collection, one document per deployment profile. The _id is the profile
// key, so InsertOne gives the atomic create-if-absent guarantee.
type DeviceIdentityRepository struct {
	identities *mongo.Collection
	profile    string
}

type deviceIdentityDoc struct {
	Profile   string    `bson:"_id"`
	DeviceID  string    `bson:"device_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewDeviceIdentityRepository creates the repository for the given profile
// key.
func NewDeviceIdentityRepository(db *mongo.Database, profile string) *DeviceIdentityRepository {
	return &DeviceIdentityRepository{
		identities: db.Collection(DeviceIdentitiesCollection),
		profile:    profile,
	}
}

// Load returns the stored identifier for this profile, or "" when none
// exists yet.
func (r *DeviceIdentityRepository) Load(ctx context.Context) (string, error) {
	var doc deviceIdentityDoc
	err := r.identities.FindOne(ctx, bson.M{"_id": r.profile}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", deviceid.ErrStorageUnavailable
	}
	return doc.DeviceID, nil
}

// StoreOnce inserts the identifier for this profile; on a lost race the
// existing document wins and its identifier is returned.
func (r *DeviceIdentityRepository) StoreOnce(ctx context.Context, id string) (string, error) {
	doc := deviceIdentityDoc{
		Profile:   r.profile,
		DeviceID:  id,
		CreatedAt: time.Now().UTC(),
	}
	_, err := r.identities.InsertOne(ctx, doc)
	if err == nil {
		return id, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return r.Load(ctx)
	}
	return "", deviceid.ErrStorageUnavailable
}
