package mockserver

import (
	"encoding/json"
	"fmt"

	"github.com/medimate/medimate-go"
)

type escortRecord struct {
	medimate.Escort
	Latitude  float64
	Longitude float64
}

type userRecord struct {
	User     medimate.User
	Password string
}

func seedHospitals() []medimate.Hospital {
	return []medimate.Hospital{
		{ID: "h-001", Name: "Peking Union Medical College Hospital", Address: "1 Shuaifuyuan, Dongcheng, Beijing", Level: "3A",
			Departments: []string{"Internal Medicine", "Cardiology", "Endocrinology"}, Latitude: 39.9125, Longitude: 116.4174},
		{ID: "h-002", Name: "Beijing Chaoyang Hospital", Address: "8 Gongti South Rd, Chaoyang, Beijing", Level: "3A",
			Departments: []string{"Respiratory", "Emergency", "Orthopedics"}, Latitude: 39.9289, Longitude: 116.4497},
		{ID: "h-003", Name: "Peking University Third Hospital", Address: "49 Huayuan North Rd, Haidian, Beijing", Level: "3A",
			Departments: []string{"Sports Medicine", "Reproductive Medicine", "Ophthalmology"}, Latitude: 39.9826, Longitude: 116.3614},
	}
}

func seedEscorts() []escortRecord {
	return []escortRecord{
		{Escort: medimate.Escort{ID: "e-001", Name: "Zhang Min", Rating: 4.9, CompletedOrders: 312, IsCertified: true,
			Specialties: []string{"Elderly care", "Cardiology visits"}, ImageURL: "https://img.medimate.test/escorts/e-001.jpg"},
			Latitude: 39.9150, Longitude: 116.4200},
		{Escort: medimate.Escort{ID: "e-002", Name: "Wang Fang", Rating: 4.8, CompletedOrders: 187, IsCertified: true,
			Specialties: []string{"Pediatrics", "Report pickup"}, ImageURL: "https://img.medimate.test/escorts/e-002.jpg"},
			Latitude: 39.9300, Longitude: 116.4450},
		{Escort: medimate.Escort{ID: "e-003", Name: "Liu Yang", Rating: 4.6, CompletedOrders: 95, IsCertified: false,
			Specialties: []string{"Wheelchair assistance"}, ImageURL: "https://img.medimate.test/escorts/e-003.jpg"},
			Latitude: 39.9800, Longitude: 116.3600},
	}
}

func seedServices() []medimate.RecommendedService {
	return []medimate.RecommendedService{
		{ID: "s-001", Type: medimate.ServiceFullProcess, Title: "Full-process escort", Description: "An escort stays with you from registration to pharmacy.", Price: 299},
		{ID: "s-002", Type: medimate.ServiceAppointment, Title: "Appointment booking", Description: "We secure a specialist slot for you.", Price: 99},
		{ID: "s-003", Type: medimate.ServiceReportPickup, Title: "Report pickup", Description: "Test reports collected and delivered.", Price: 59},
		{ID: "s-004", Type: medimate.ServiceVIPTransport, Title: "VIP transport", Description: "Door-to-door car service to the hospital.", Price: 199},
	}
}

func seedUsers() []userRecord {
	return []userRecord{
		{User: medimate.User{ID: "u-001", Name: "Demo Patient", Email: "patient@medimate.test", Role: medimate.RolePatient, Phone: "13800000001"}, Password: "password123"},
		{User: medimate.User{ID: "u-002", Name: "Demo Escort", Email: "escort@medimate.test", Role: medimate.RoleEscort, Phone: "13800000002"}, Password: "password123"},
	}
}

func servicePrice(t medimate.ServiceType) float64 {
	for _, s := range seedServices() {
		if s.Type == t {
			return s.Price
		}
	}
	return 0
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mockserver: encode response: %v", err))
	}
	return b
}
